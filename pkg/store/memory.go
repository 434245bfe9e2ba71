package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gamehost/pkg/model"
)

// MemoryStore is an in-memory implementation, intended for dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]model.User
	nodes   map[string]model.Node
	servers map[string]model.ServerRef
	grants  map[model.PermissionGrant]struct{}
	audit   []model.LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]model.User),
		nodes:   make(map[string]model.Node),
		servers: make(map[string]model.ServerRef),
		grants:  make(map[model.PermissionGrant]struct{}),
	}
}

func (m *MemoryStore) CountUsers(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return u, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) GetUserByName(_ context.Context, username string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (m *MemoryStore) ListUsers(context.Context) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateNode(_ context.Context, n model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.ID]; ok {
		return ErrConflict
	}
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now
	m.nodes[n.ID] = n
	return nil
}

// UpdateNode replaces the connection fields. Health is owned by the heartbeat and kept.
func (m *MemoryStore) UpdateNode(_ context.Context, n model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.nodes[n.ID]
	if !ok {
		return ErrNotFound
	}
	n.CreatedAt = old.CreatedAt
	n.Health = old.Health
	n.UpdatedAt = time.Now()
	m.nodes[n.ID] = n
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, id string) (model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return n, ErrNotFound
	}
	return n, nil
}

func (m *MemoryStore) ListNodes(context.Context) ([]model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetNodeHealth(_ context.Context, id string, state model.HealthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Health = state
	m.nodes[id] = n
	return nil
}

func (m *MemoryStore) SaveServerRef(_ context.Context, ref model.ServerRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[ref.ID] = ref
	return nil
}

func (m *MemoryStore) GetServerRef(_ context.Context, id string) (model.ServerRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.servers[id]
	if !ok {
		return ref, ErrNotFound
	}
	return ref, nil
}

func (m *MemoryStore) ListServerRefs(context.Context) ([]model.ServerRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ServerRef, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteServerRef(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	for g := range m.grants {
		if g.ServerID == id {
			delete(m.grants, g)
		}
	}
	return nil
}

func (m *MemoryStore) Grants(_ context.Context, serverID, userID string) ([]model.PermissionGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PermissionGrant
	for g := range m.grants {
		if g.ServerID == serverID && g.UserID == userID {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (m *MemoryStore) GrantsForUser(_ context.Context, userID string) ([]model.PermissionGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PermissionGrant
	for g := range m.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (m *MemoryStore) Grant(_ context.Context, g model.PermissionGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g] = struct{}{}
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, g model.PermissionGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, g)
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, e model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// ListLogs returns newest first. An empty serverID lists every entry.
func (m *MemoryStore) ListLogs(_ context.Context, serverID string, limit int) ([]model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := []model.LogEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if serverID == "" || m.audit[i].ServerID == serverID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func sortGrants(gs []model.PermissionGrant) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].ServerID != gs[j].ServerID {
			return gs[i].ServerID < gs[j].ServerID
		}
		return gs[i].Permission < gs[j].Permission
	})
}
