package docker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
)

// Stream is a raw byte stream from the engine. It ends when the container stops
// and can only be restarted by opening a new one. Close is idempotent.
type Stream struct {
	io.Reader
	closer io.Closer
	once   sync.Once
	err    error
}

// NewStream wraps rc. Used by fakes that replay recorded engine output.
func NewStream(rc io.ReadCloser) *Stream {
	return &Stream{Reader: rc, closer: rc}
}

func (s *Stream) Close() error {
	s.once.Do(func() {
		s.err = s.closer.Close()
	})
	return s.err
}

// Attach opens the container's console stream including buffered past output.
// Containers are created with a TTY so the stream carries no multiplex headers.
func (c *Client) Attach(ctx context.Context, id string) (*Stream, Result, error) {
	q := url.Values{"stream": {"1"}, "stdout": {"1"}, "stderr": {"1"}, "logs": {"1"}}
	return c.openStream(ctx, OpAttach, http.MethodPost, "/containers/"+url.PathEscape(id)+"/attach", q, id)
}

// Stats opens the live resource usage stream, one JSON document per line.
func (c *Client) Stats(ctx context.Context, id string) (*Stream, Result, error) {
	q := url.Values{"stream": {"1"}}
	return c.openStream(ctx, OpStats, http.MethodGet, "/containers/"+url.PathEscape(id)+"/stats", q, id)
}

func (c *Client) openStream(ctx context.Context, op Op, method, path string, q url.Values, id string) (*Stream, Result, error) {
	resp, err := c.do(ctx, method, path, q, nil)
	if err != nil {
		return nil, Result{}, err
	}
	res := Result{Op: op, Outcome: Classify(op, resp.StatusCode), HTTPStatus: resp.StatusCode, ContainerID: id}
	if !res.OK() {
		res.Message = errorMessage(resp.Body)
		resp.Body.Close()
		return nil, res, nil
	}
	return NewStream(resp.Body), res, nil
}
