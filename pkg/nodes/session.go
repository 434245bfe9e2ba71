package nodes

import (
	"context"
	"sync"

	"gamehost/pkg/model"
	"gamehost/pkg/rpc"
)

// Session is the coordinator's connection to one node: an RPC client, the
// cached token and which generation of the user directory was last pushed.
type Session struct {
	nodeID string

	mu         sync.RWMutex
	client     *rpc.Client
	credential string
	token      string
	// dirAt is bumped on every directory change; syncedAt is the value last pushed.
	dirAt    uint64
	syncedAt uint64
	stale    bool
	health   model.HealthState

	cancel context.CancelFunc
}

func newSession(node model.Node) *Session {
	return &Session{
		nodeID:     node.ID,
		client:     rpc.NewClient(node.URL),
		credential: node.Credential,
		dirAt:      1,
		health:     model.HealthConnectionError,
	}
}

func (s *Session) NodeID() string {
	return s.nodeID
}

// Client is the current RPC client. It is replaced when the session is rebuilt.
func (s *Session) Client() *rpc.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) Health() model.HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

type sessionState struct {
	client     *rpc.Client
	token      string
	credential string
	dirAt      uint64
	synced     bool
}

func (s *Session) snapshot() sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionState{
		client:     s.client,
		token:      s.token,
		credential: s.credential,
		dirAt:      s.dirAt,
		synced:     s.syncedAt == s.dirAt,
	}
}

func (s *Session) setToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.client.SetToken(tok)
	s.mu.Unlock()
}

// setSynced records the directory generation that was read before the push.
// A change made while the push was in flight stays pending.
func (s *Session) setSynced(at uint64) {
	s.mu.Lock()
	if at > s.syncedAt {
		s.syncedAt = at
	}
	s.mu.Unlock()
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirAt++
	s.mu.Unlock()
}

func (s *Session) setHealth(h model.HealthState) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

// invalidate marks the session for rebuilding on the next tick.
func (s *Session) invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *Session) needsRebuild() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// rebuild discards the client, token and sync flag and starts over from node.
func (s *Session) rebuild(node model.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = rpc.NewClient(node.URL)
	s.credential = node.Credential
	s.token = ""
	s.syncedAt = 0
	s.stale = false
}

func (s *Session) stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
