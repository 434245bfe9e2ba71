// Package relay turns container attach streams into line sequences and pipes
// them between independent sessions.
package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

const maxLine = 1 << 20

// Lines decodes newline-delimited text from r and emits each line without its
// terminator. It returns nil when r ends or ctx is cancelled, and stops at the
// first emit error. Callers unblock a pending read by closing r.
func Lines(ctx context.Context, r io.Reader, emit func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := emit(strings.TrimSuffix(sc.Text(), "\r")); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
