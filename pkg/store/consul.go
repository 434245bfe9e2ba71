package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gamehost/pkg/consul"
	"gamehost/pkg/model"
)

const (
	userPrefix     = "gamehost/users/"
	usernamePrefix = "gamehost/usernames/"
	nodePrefix     = "gamehost/nodes/"
	serverPrefix   = "gamehost/servers/"
	grantPrefix    = "gamehost/grants/"
	auditPrefix    = "gamehost/audit/"
)

// ConsulStore keeps coordinator state in Consul KV so several coordinators
// can share it. Node records may be edited out of band; see WatchNodes.
type ConsulStore struct {
	kv *consul.KV
}

func NewConsulStore(addr string) (*ConsulStore, error) {
	kv, err := consul.New(addr)
	if err != nil {
		return nil, err
	}
	return &ConsulStore{kv: kv}, nil
}

func missing(err error) error {
	if errors.Is(err, consul.ErrMissing) {
		return ErrNotFound
	}
	return err
}

func (s *ConsulStore) CountUsers(ctx context.Context) (int64, error) {
	keys, err := s.kv.Keys(ctx, userPrefix)
	return int64(len(keys)), err
}

// userRecord and nodeRecord are the stored forms. They keep the secrets the
// model types leave out of their JSON.
type userRecord struct {
	model.User
	PasswordHash string `json:"passwordHash"`
}

func (r userRecord) toModel() model.User {
	u := r.User
	u.PasswordHash = r.PasswordHash
	return u
}

type nodeRecord struct {
	model.Node
	Credential string `json:"credential"`
}

func newNodeRecord(n model.Node) nodeRecord {
	return nodeRecord{Node: n, Credential: n.Credential}
}

func (r nodeRecord) toModel() model.Node {
	n := r.Node
	n.Credential = r.Credential
	return n
}

func nodeModels(recs []nodeRecord) []model.Node {
	out := make([]model.Node, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out
}

func (s *ConsulStore) CreateUser(ctx context.Context, u model.User) error {
	ok, err := s.kv.Create(ctx, usernamePrefix+u.Username, u.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	ok, err = s.kv.Create(ctx, userPrefix+u.ID, userRecord{User: u, PasswordHash: u.PasswordHash})
	if err != nil || !ok {
		_ = s.kv.Delete(ctx, usernamePrefix+u.Username)
		if err == nil {
			err = ErrConflict
		}
	}
	return err
}

func (s *ConsulStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var r userRecord
	err := s.kv.Get(ctx, userPrefix+id, &r)
	return r.toModel(), missing(err)
}

func (s *ConsulStore) GetUserByName(ctx context.Context, username string) (model.User, error) {
	var id string
	if err := s.kv.Get(ctx, usernamePrefix+username, &id); err != nil {
		return model.User{}, missing(err)
	}
	return s.GetUser(ctx, id)
}

func (s *ConsulStore) ListUsers(ctx context.Context) ([]model.User, error) {
	recs, err := consul.List[userRecord](ctx, s.kv, userPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.User, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *ConsulStore) CreateNode(ctx context.Context, n model.Node) error {
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now
	ok, err := s.kv.Create(ctx, nodePrefix+n.ID, newNodeRecord(n))
	if err == nil && !ok {
		err = ErrConflict
	}
	return err
}

// UpdateNode and SetNodeHealth both check-and-set on the record's index, so a
// heartbeat never writes back a URL or credential an admin just replaced.
func (s *ConsulStore) UpdateNode(ctx context.Context, n model.Node) error {
	err := consul.Update(ctx, s.kv, nodePrefix+n.ID, func(cur *nodeRecord) bool {
		n.CreatedAt = cur.CreatedAt
		n.Health = cur.Health
		n.UpdatedAt = time.Now()
		*cur = newNodeRecord(n)
		return true
	})
	return missing(err)
}

func (s *ConsulStore) GetNode(ctx context.Context, id string) (model.Node, error) {
	var r nodeRecord
	err := s.kv.Get(ctx, nodePrefix+id, &r)
	return r.toModel(), missing(err)
}

func (s *ConsulStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	recs, err := consul.List[nodeRecord](ctx, s.kv, nodePrefix)
	if err != nil {
		return nil, err
	}
	return nodeModels(recs), nil
}

// SetNodeHealth rewrites the node record. Consul watchers see a change on
// every health transition, so WatchNodes callers compare connection fields only.
func (s *ConsulStore) SetNodeHealth(ctx context.Context, id string, state model.HealthState) error {
	err := consul.Update(ctx, s.kv, nodePrefix+id, func(cur *nodeRecord) bool {
		if cur.Health == state {
			return false
		}
		cur.Health = state
		return true
	})
	return missing(err)
}

// WatchNodes blocks until ctx is done, calling fn with the full node list on every change.
func (s *ConsulStore) WatchNodes(ctx context.Context, fn func([]model.Node)) {
	consul.Watch(ctx, s.kv, nodePrefix, func(recs []nodeRecord) {
		fn(nodeModels(recs))
	})
}

func (s *ConsulStore) SaveServerRef(ctx context.Context, ref model.ServerRef) error {
	return s.kv.Put(ctx, serverPrefix+ref.ID, ref)
}

func (s *ConsulStore) GetServerRef(ctx context.Context, id string) (model.ServerRef, error) {
	var ref model.ServerRef
	err := s.kv.Get(ctx, serverPrefix+id, &ref)
	return ref, missing(err)
}

func (s *ConsulStore) ListServerRefs(ctx context.Context) ([]model.ServerRef, error) {
	return consul.List[model.ServerRef](ctx, s.kv, serverPrefix)
}

func (s *ConsulStore) DeleteServerRef(ctx context.Context, id string) error {
	if err := s.kv.DeleteTree(ctx, grantPrefix+id+"/"); err != nil {
		return err
	}
	return s.kv.Delete(ctx, serverPrefix+id)
}

func grantKey(g model.PermissionGrant) string {
	return fmt.Sprintf("%s%s/%s/%s", grantPrefix, g.ServerID, g.UserID, g.Permission)
}

func (s *ConsulStore) Grants(ctx context.Context, serverID, userID string) ([]model.PermissionGrant, error) {
	return consul.List[model.PermissionGrant](ctx, s.kv, grantPrefix+serverID+"/"+userID+"/")
}

func (s *ConsulStore) GrantsForUser(ctx context.Context, userID string) ([]model.PermissionGrant, error) {
	all, err := consul.List[model.PermissionGrant](ctx, s.kv, grantPrefix)
	if err != nil {
		return nil, err
	}
	var out []model.PermissionGrant
	for _, g := range all {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *ConsulStore) Grant(ctx context.Context, g model.PermissionGrant) error {
	return s.kv.Put(ctx, grantKey(g), g)
}

func (s *ConsulStore) Revoke(ctx context.Context, g model.PermissionGrant) error {
	return s.kv.Delete(ctx, grantKey(g))
}

func (s *ConsulStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s%020d-%s", auditPrefix, e.Timestamp.UnixNano(), e.ID)
	return s.kv.Put(ctx, key, e)
}

func (s *ConsulStore) ListLogs(ctx context.Context, serverID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := consul.List[model.LogEntry](ctx, s.kv, auditPrefix)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	out := []model.LogEntry{}
	for _, e := range all {
		if len(out) == limit {
			break
		}
		if serverID == "" || e.ServerID == serverID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *ConsulStore) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
