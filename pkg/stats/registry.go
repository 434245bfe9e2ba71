package stats

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gamehost/pkg/metrics"
)

// Registry keeps at most one running sampler per server.
type Registry struct {
	sampler *Sampler
	log     *zap.Logger

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(sampler *Sampler, log *zap.Logger) *Registry {
	return &Registry{sampler: sampler, log: log, running: map[string]*run{}}
}

// Start launches a sampler for the server, replacing any running one.
func (r *Registry) Start(ctx context.Context, serverID, containerID string) {
	ctx, cancel := context.WithCancel(ctx)
	entry := &run{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	old := r.running[serverID]
	r.running[serverID] = entry
	r.mu.Unlock()
	if old != nil {
		old.cancel()
		<-old.done
	}
	metrics.ActiveSamplers.Inc()
	go func() {
		defer func() {
			cancel()
			metrics.ActiveSamplers.Dec()
			close(entry.done)
			r.mu.Lock()
			if r.running[serverID] == entry {
				delete(r.running, serverID)
			}
			r.mu.Unlock()
		}()
		_ = r.sampler.Run(ctx, serverID, containerID)
	}()
}

// Stop cancels the server's sampler, if any, and waits for it to exit. Safe to
// call repeatedly.
func (r *Registry) Stop(serverID string) {
	r.mu.Lock()
	entry := r.running[serverID]
	delete(r.running, serverID)
	r.mu.Unlock()
	if entry == nil {
		return
	}
	entry.cancel()
	<-entry.done
}

// Running reports whether a sampler is active for the server.
func (r *Registry) Running(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[serverID]
	return ok
}
