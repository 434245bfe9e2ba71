// Package nodes keeps one session per registered node and runs its heartbeat.
package nodes

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"gamehost/pkg/events"
	"gamehost/pkg/metrics"
	"gamehost/pkg/model"
	"gamehost/pkg/rpc"
)

var (
	ErrNoSession   = errors.New("node has no session")
	ErrUnavailable = errors.New("node is not connected")
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultCallTimeout = 3 * time.Second
)

// Store is the coordinator data the manager reads and the health it writes.
type Store interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
	GetNode(ctx context.Context, id string) (model.Node, error)
	SetNodeHealth(ctx context.Context, id string, state model.HealthState) error
	ListUsers(ctx context.Context) ([]model.User, error)
}

type Options struct {
	Interval    time.Duration
	CallTimeout time.Duration
	// Events, when set, is told about every health transition.
	Events events.HealthSink
}

// Manager owns the live sessions. Each session is ticked by its own goroutine,
// which is the only writer of that node's health.
type Manager struct {
	store Store
	log   *zap.Logger
	opts  Options

	mu       sync.RWMutex
	ctx      context.Context
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewManager(store Store, log *zap.Logger, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CallTimeout <= 0 || opts.CallTimeout >= opts.Interval {
		opts.CallTimeout = opts.Interval * 3 / 5
	}
	return &Manager{store: store, log: log, opts: opts, sessions: map[string]*Session{}}
}

// Run starts a session for every enabled node and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	for _, s := range m.sessions {
		m.startLocked(s)
	}
	m.mu.Unlock()
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		m.Add(n)
	}
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

// Add registers a node that has no session yet. Its heartbeat starts
// immediately when the manager is running.
func (m *Manager) Add(node model.Node) {
	if node.Disabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[node.ID]; ok {
		return
	}
	s := newSession(node)
	m.sessions[node.ID] = s
	if m.ctx != nil {
		m.startLocked(s)
	}
}

func (m *Manager) startLocked(s *Session) {
	ctx, cancel := context.WithCancel(m.ctx)
	s.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, s)
	}()
}

// Refresh picks up an edited node. The session is rebuilt from the stored
// URL and credential on its next tick; disabled nodes lose their session.
func (m *Manager) Refresh(node model.Node) {
	m.mu.Lock()
	s, ok := m.sessions[node.ID]
	if node.Disabled && ok {
		delete(m.sessions, node.ID)
		m.mu.Unlock()
		s.stop()
		return
	}
	m.mu.Unlock()
	if !ok {
		m.Add(node)
		return
	}
	s.invalidate()
}

// Session returns the live session of a node for request routing.
func (m *Manager) Session(nodeID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[nodeID]
	return s, ok
}

// Client returns the RPC client of a connected node for request routing.
func (m *Manager) Client(nodeID string) (*rpc.Client, error) {
	s, ok := m.Session(nodeID)
	if !ok {
		return nil, ErrNoSession
	}
	if s.Health() != model.HealthConnected {
		return nil, ErrUnavailable
	}
	return s.Client(), nil
}

// MarkUsersDirty makes every session push the user directory on its next tick.
func (m *Manager) MarkUsersDirty() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.markDirty()
	}
}

func (m *Manager) loop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.tick(ctx, s)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs auth, sync and ping in order, stopping at the first failure, and
// records the health of the last step attempted.
func (m *Manager) tick(ctx context.Context, s *Session) model.HealthState {
	if s.needsRebuild() {
		node, err := m.store.GetNode(ctx, s.nodeID)
		if err != nil {
			m.log.Warn("load node failed", zap.String("node", s.nodeID), zap.Error(err))
		} else {
			s.rebuild(node)
		}
	}
	prev := s.Health()
	state := m.step(ctx, s)
	s.setHealth(state)
	if state != prev && m.opts.Events != nil {
		m.opts.Events.NodeHealth(ctx, events.HealthEvent{
			NodeID:   s.nodeID,
			State:    string(state),
			Previous: string(prev),
			Time:     time.Now().UTC(),
		})
	}
	metrics.SetNodeHealth(s.nodeID, state)
	if err := m.store.SetNodeHealth(ctx, s.nodeID, state); err != nil {
		m.log.Warn("save node health failed", zap.String("node", s.nodeID), zap.Error(err))
	}
	return state
}

func (m *Manager) step(ctx context.Context, s *Session) model.HealthState {
	state, fresh, err := m.attempt(ctx, s)
	if !fresh && rpc.KindOf(err) == rpc.KindUnauthorized {
		// A cached token that stops working has expired or the node restarted
		// with a new signing key; authenticate again before reporting.
		m.log.Info("node token rejected, re-authenticating", zap.String("node", s.nodeID))
		state, _, _ = m.attempt(ctx, s)
	}
	return state
}

// attempt runs one auth, sync, ping pass. fresh reports whether the token
// used was obtained during this pass.
func (m *Manager) attempt(ctx context.Context, s *Session) (model.HealthState, bool, error) {
	st := s.snapshot()
	fresh := st.token == ""

	if fresh {
		cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		tok, err := st.client.Authenticate(cctx, st.credential)
		cancel()
		if err != nil {
			return m.fail(s, "auth", err, model.HealthAuthenticationError), fresh, err
		}
		s.setToken(tok)
	}

	if !st.synced {
		users, err := m.store.ListUsers(ctx)
		if err != nil {
			m.log.Error("list users failed", zap.String("node", s.nodeID), zap.Error(err))
			return model.HealthSyncError, fresh, err
		}
		cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		err = st.client.SyncUsers(cctx, model.Directory(users))
		cancel()
		if err != nil {
			return m.fail(s, "sync", err, model.HealthSyncError), fresh, err
		}
		s.setSynced(st.dirAt)
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	err := st.client.Ping(cctx)
	cancel()
	if err != nil {
		if rpc.KindOf(err) == rpc.KindUnauthorized {
			return m.fail(s, "ping", err, model.HealthAuthenticationError), fresh, err
		}
		return m.fail(s, "ping", err, model.HealthConnectionError), fresh, err
	}
	return model.HealthConnected, fresh, nil
}

// fail classifies a step failure. Transport failures rebuild the session;
// authorization failures only drop the token.
func (m *Manager) fail(s *Session, step string, err error, fallback model.HealthState) model.HealthState {
	metrics.HeartbeatFailures.WithLabelValues(s.nodeID, step).Inc()
	kind := rpc.KindOf(err)
	m.log.Warn("heartbeat failed", zap.String("node", s.nodeID), zap.String("step", step),
		zap.String("kind", string(kind)), zap.Error(err))
	switch kind {
	case rpc.KindTransport:
		metrics.SessionRecreations.WithLabelValues(s.nodeID).Inc()
		s.invalidate()
		if step == "sync" {
			return model.HealthSyncError
		}
		return model.HealthConnectionError
	case rpc.KindUnauthorized:
		s.setToken("")
		return fallback
	case rpc.KindRemote:
		if step == "auth" {
			return model.HealthConnectionError
		}
	}
	return fallback
}
