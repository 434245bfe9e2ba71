package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gamehost/pkg/docker"
	"gamehost/pkg/events"
	"gamehost/pkg/model"
	"gamehost/pkg/relay"
	"gamehost/pkg/stats"
)

// Monitor starts stats sampling and console tailing when a container starts
// and stops both when it stops. Streams are opened in the background so power
// calls return without waiting on them.
type Monitor struct {
	ctx     context.Context
	samples *stats.Registry
	attach  Attacher
	sink    events.Sink
	log     *zap.Logger

	mu    sync.Mutex
	tails map[string]context.CancelFunc
}

func NewMonitor(ctx context.Context, samples *stats.Registry, attach Attacher, sink events.Sink, log *zap.Logger) *Monitor {
	return &Monitor{ctx: ctx, samples: samples, attach: attach, sink: sink, log: log, tails: map[string]context.CancelFunc{}}
}

func (m *Monitor) Started(serverID, containerID string) {
	m.samples.Start(m.ctx, serverID, containerID)

	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	if old := m.tails[serverID]; old != nil {
		old()
	}
	m.tails[serverID] = cancel
	m.mu.Unlock()
	go m.tail(ctx, serverID, containerID)
}

func (m *Monitor) Stopped(serverID string) {
	m.mu.Lock()
	cancel := m.tails[serverID]
	delete(m.tails, serverID)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.samples.Stop(serverID)
}

// tail forwards console output to the event sink until the stream ends.
func (m *Monitor) tail(ctx context.Context, serverID, containerID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, res, err := m.attach.Attach(ctx, containerID)
	if err != nil || !res.OK() {
		m.log.Warn("console tail not started", zap.String("server", serverID),
			zap.String("outcome", string(res.Outcome)), zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()
	defer stream.Close()
	_ = relay.Lines(ctx, stream, func(line string) error {
		m.sink.Console(ctx, serverID, line)
		return nil
	})
	m.log.Debug("console tail ended", zap.String("server", serverID))
}

// Inspector reports a container's current state.
type Inspector interface {
	Inspect(ctx context.Context, id string) (docker.Result, error)
}

// Resume restarts monitoring for containers that are still running, e.g.
// after the node agent restarts.
func (m *Monitor) Resume(ctx context.Context, servers []model.Server, rt Inspector) int {
	n := 0
	for _, srv := range servers {
		if !srv.HasContainer() {
			continue
		}
		res, err := rt.Inspect(ctx, srv.ContainerID)
		if err != nil {
			m.log.Warn("resume inspect failed", zap.String("server", srv.ID), zap.Error(err))
			continue
		}
		if res.OK() && res.Status == docker.StatusRunning {
			m.Started(srv.ID, srv.ContainerID)
			n++
		}
	}
	return n
}
