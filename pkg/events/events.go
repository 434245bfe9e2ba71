// Package events publishes server power events, console lines and node
// health transitions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	powerPrefix   = "gamehost.power."
	consolePrefix = "gamehost.console."
	healthPrefix  = "gamehost.node."
)

// PowerEvent is emitted after every power action attempt.
type PowerEvent struct {
	ServerID    string    `json:"serverId"`
	ContainerID string    `json:"containerId,omitempty"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"`
	UserID      string    `json:"userId,omitempty"`
	Time        time.Time `json:"time"`
}

// HealthEvent is emitted by the coordinator when a node's health changes.
type HealthEvent struct {
	NodeID   string    `json:"nodeId"`
	State    string    `json:"state"`
	Previous string    `json:"previous"`
	Time     time.Time `json:"time"`
}

func Subject(serverID string) string {
	return powerPrefix + serverID
}

func ConsoleSubject(serverID string) string {
	return consolePrefix + serverID
}

func HealthSubject(nodeID string) string {
	return healthPrefix + nodeID
}

// Sink receives power events and tailed console lines.
type Sink interface {
	Power(ctx context.Context, ev PowerEvent)
	Console(ctx context.Context, serverID, line string)
}

// HealthSink receives node health transitions.
type HealthSink interface {
	NodeHealth(ctx context.Context, ev HealthEvent)
}

// LogSink writes events to the logger. Used when no broker is configured.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Power(_ context.Context, ev PowerEvent) {
	s.Log.Info("power event",
		zap.String("server", ev.ServerID),
		zap.String("action", ev.Action),
		zap.String("outcome", ev.Outcome))
}

func (s LogSink) Console(_ context.Context, serverID, line string) {
	s.Log.Debug("console", zap.String("server", serverID), zap.String("line", line))
}

func (s LogSink) NodeHealth(_ context.Context, ev HealthEvent) {
	s.Log.Info("node health changed",
		zap.String("node", ev.NodeID),
		zap.String("state", ev.State),
		zap.String("previous", ev.Previous))
}

// Publisher sends power events to NATS on gamehost.power.<serverId>, console
// lines on gamehost.console.<serverId> and node health on gamehost.node.<nodeId>.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewPublisher connects as the named client and keeps reconnecting forever.
func NewPublisher(url, name string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{nc: nc, log: log}, nil
}

func (p *Publisher) Power(_ context.Context, ev PowerEvent) {
	if p.nc == nil || p.nc.IsClosed() {
		p.log.Warn("nats not connected, dropping power event", zap.String("server", ev.ServerID))
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.nc.Publish(Subject(ev.ServerID), b); err != nil {
		p.log.Warn("publish power event failed", zap.String("server", ev.ServerID), zap.Error(err))
	}
}

func (p *Publisher) Console(_ context.Context, serverID, line string) {
	if p.nc == nil || p.nc.IsClosed() {
		return
	}
	_ = p.nc.Publish(ConsoleSubject(serverID), []byte(line))
}

func (p *Publisher) NodeHealth(_ context.Context, ev HealthEvent) {
	if p.nc == nil || p.nc.IsClosed() {
		p.log.Warn("nats not connected, dropping health event", zap.String("node", ev.NodeID))
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.nc.Publish(HealthSubject(ev.NodeID), b); err != nil {
		p.log.Warn("publish health event failed", zap.String("node", ev.NodeID), zap.Error(err))
	}
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
