package relay

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultQueue is the bridge queue length used by the console endpoints.
const DefaultQueue = 256

// Upstream yields chunks in arrival order. Recv returns io.EOF at normal end.
type Upstream interface {
	Recv() (string, error)
	Close() error
}

// Downstream receives chunks in the order they arrived upstream.
type Downstream interface {
	Send(string) error
	Close() error
}

// Bridge joins two independent sessions through a bounded FIFO. The drain side
// blocks on the queue, so chunks are forwarded as soon as they arrive. A fault
// on either leg, or cancellation of the Run context, closes both.
type Bridge struct {
	up    Upstream
	down  Downstream
	queue chan string

	once    sync.Once
	closed  chan struct{}
	errOnce sync.Once
	err     error
}

func NewBridge(up Upstream, down Downstream, size int) *Bridge {
	if size <= 0 {
		size = DefaultQueue
	}
	return &Bridge{
		up:     up,
		down:   down,
		queue:  make(chan string, size),
		closed: make(chan struct{}),
	}
}

// Run pumps until one leg ends. It returns nil on a clean upstream end or
// cancellation, otherwise the first leg error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-b.closed:
		}
		b.Close()
	}()

	go b.pump()

	for {
		select {
		case <-b.closed:
			b.drainRemaining()
			return b.err
		case chunk, ok := <-b.queue:
			if !ok {
				b.Close()
				return b.err
			}
			if err := b.down.Send(chunk); err != nil {
				b.fail(err)
				b.Close()
				return b.err
			}
		}
	}
}

// pump is the only writer to the queue and closes it when upstream ends.
func (b *Bridge) pump() {
	defer close(b.queue)
	for {
		chunk, err := b.up.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-b.closed:
				default:
					b.fail(err)
				}
			}
			return
		}
		select {
		case b.queue <- chunk:
		case <-b.closed:
			return
		}
	}
}

// drainRemaining discards queued chunks so pump can observe the close.
func (b *Bridge) drainRemaining() {
	for range b.queue {
	}
}

func (b *Bridge) fail(err error) {
	b.errOnce.Do(func() { b.err = err })
}

// Close tears down both legs. Safe to call more than once and after either leg
// has already gone away.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.closed)
		_ = b.up.Close()
		_ = b.down.Close()
	})
}
