package rpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Console is an open node console subscription, one message per line.
type Console struct {
	conn *websocket.Conn
	once sync.Once
}

// OpenConsole dials the node's console websocket for the server.
func (c *Client) OpenConsole(ctx context.Context, userID, serverID string) (*Console, error) {
	u := c.base + serverPath(serverID, "/console")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	hdr := http.Header{}
	c.authorize(hdr, userID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, responseError(resp)
		}
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	return &Console{conn: conn}, nil
}

// Recv returns the next line. A normal close from the node yields io.EOF.
func (c *Console) Recv() (string, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
			return "", io.EOF
		}
		return "", &Error{Kind: KindTransport, Err: err}
	}
	return string(msg), nil
}

func (c *Console) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
	})
	return err
}
