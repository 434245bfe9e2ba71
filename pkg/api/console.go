package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gamehost/pkg/auth"
	"gamehost/pkg/metrics"
	"gamehost/pkg/model"
	"gamehost/pkg/relay"
	"gamehost/pkg/rpc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// callerConn is the downstream leg of a console bridge: the caller's websocket.
type callerConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *callerConn) Send(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *callerConn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// handleConsole subscribes to the node console first, so node refusals reach
// the caller as HTTP errors, then upgrades and bridges the two sessions.
func (h *Handler) handleConsole(w http.ResponseWriter, r *http.Request, ref model.ServerRef, node *rpc.Client, user *auth.Claims) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up, err := node.OpenConsole(r.Context(), user.UserID, ref.ID)
	if err != nil {
		h.writeNodeError(w, ref.NodeID, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = up.Close()
		h.Log.Warn("console upgrade failed", zap.String("server", ref.ID), zap.Error(err))
		return
	}
	down := &callerConn{conn: conn}
	metrics.ActiveConsoles.Inc()
	defer metrics.ActiveConsoles.Dec()

	// The caller never sends data; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = relay.NewBridge(up, down, relay.DefaultQueue).Run(ctx)
	if err != nil {
		h.Log.Info("console bridge ended", zap.String("server", ref.ID), zap.Error(err))
	}
}
