package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gamehost/pkg/docker"
	"gamehost/pkg/metrics"
	"gamehost/pkg/model"
	"gamehost/pkg/relay"
)

// Attacher opens a container's console stream.
type Attacher interface {
	Attach(ctx context.Context, id string) (*docker.Stream, docker.Result, error)
}

const consoleWriteWait = 10 * time.Second

// consoleHub tracks open console subscriptions so they can be cut when the
// server's container is removed. Every subscriber gets its own attach.
type consoleHub struct {
	attach   Attacher
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]context.CancelFunc
}

func newConsoleHub(a Attacher, log *zap.Logger) *consoleHub {
	return &consoleHub{
		attach: a,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[string]map[*websocket.Conn]context.CancelFunc{},
	}
}

func (c *consoleHub) serve(w http.ResponseWriter, r *http.Request, srv model.Server, _ string) {
	if !srv.HasContainer() {
		writeError(w, http.StatusConflict, "server has no container")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, res, err := c.attach.Attach(ctx, srv.ContainerID)
	if err != nil {
		cancel()
		writeError(w, http.StatusBadGateway, "container engine unavailable")
		return
	}
	if !res.OK() {
		cancel()
		writeError(w, outcomeStatus(res.Outcome), res.Err().Error())
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		_ = stream.Close()
		c.log.Warn("console upgrade failed", zap.String("server", srv.ID), zap.Error(err))
		return
	}
	c.add(srv.ID, conn, cancel)
	metrics.ActiveConsoles.Inc()
	c.log.Info("console subscriber connected", zap.String("server", srv.ID))

	go func() {
		// Client frames are ignored; a read error means the subscriber left.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	err = relay.Lines(ctx, stream, func(line string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(consoleWriteWait))
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	})
	if err != nil {
		c.log.Debug("console relay ended", zap.String("server", srv.ID), zap.Error(err))
	}
	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"), time.Now().Add(time.Second))
	_ = conn.Close()
	c.remove(srv.ID, conn)
	metrics.ActiveConsoles.Dec()
	c.log.Info("console subscriber disconnected", zap.String("server", srv.ID))
}

func (c *consoleHub) add(serverID string, conn *websocket.Conn, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[serverID] == nil {
		c.subs[serverID] = map[*websocket.Conn]context.CancelFunc{}
	}
	c.subs[serverID][conn] = cancel
}

func (c *consoleHub) remove(serverID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs, ok := c.subs[serverID]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(c.subs, serverID)
		}
	}
}

// closeServer ends every console subscription of the server.
func (c *consoleHub) closeServer(serverID string) {
	c.mu.Lock()
	subs := c.subs[serverID]
	cancels := make([]context.CancelFunc, 0, len(subs))
	for _, cancel := range subs {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
