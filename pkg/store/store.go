package store

import (
	"context"
	"errors"

	"gamehost/pkg/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is the coordinator's persistence: users, nodes, the server index,
// grants and the audit trail. Servers themselves live on their nodes.
type Store interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByName(ctx context.Context, username string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	CreateNode(ctx context.Context, n model.Node) error
	// UpdateNode never writes Health; only SetNodeHealth does.
	UpdateNode(ctx context.Context, n model.Node) error
	GetNode(ctx context.Context, id string) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	SetNodeHealth(ctx context.Context, id string, state model.HealthState) error

	SaveServerRef(ctx context.Context, ref model.ServerRef) error
	GetServerRef(ctx context.Context, id string) (model.ServerRef, error)
	ListServerRefs(ctx context.Context) ([]model.ServerRef, error)
	DeleteServerRef(ctx context.Context, id string) error

	Grants(ctx context.Context, serverID, userID string) ([]model.PermissionGrant, error)
	GrantsForUser(ctx context.Context, userID string) ([]model.PermissionGrant, error)
	Grant(ctx context.Context, g model.PermissionGrant) error
	Revoke(ctx context.Context, g model.PermissionGrant) error

	AppendLog(ctx context.Context, e model.LogEntry) error
	ListLogs(ctx context.Context, serverID string, limit int) ([]model.LogEntry, error)

	Ping(ctx context.Context) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
	_ Store = (*ConsulStore)(nil)
)
