// Package permission evaluates the owner / sentinel / explicit-grant cascade.
// The coordinator and the node each run it against the data they own.
package permission

import (
	"errors"

	"gamehost/pkg/model"
)

var (
	ErrNotFound     = errors.New("server not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// Sentinel must be held (unless owner) before any other grant on a server has effect.
const Sentinel = "server"

const (
	Power       = "server.power"
	Console     = "server.console"
	Stats       = "server.stats"
	Network     = "server.network"
	Limits      = "server.limits"
	Startup     = "server.startup"
	Logs        = "server.logs"
	Delete      = "server.delete"
	Permissions = "server.permissions"
)

// All lists every grantable permission id.
var All = []string{Sentinel, Power, Console, Stats, Network, Limits, Startup, Logs, Delete, Permissions}

// Known reports whether id is a grantable permission.
func Known(id string) bool {
	for _, p := range All {
		if p == id {
			return true
		}
	}
	return false
}

// Check runs the cascade for a server that is known to exist. required may be
// empty for operations that only need access to the server.
func Check(ownerID, userID string, grants []model.PermissionGrant, required string) error {
	if userID == "" {
		return ErrUnauthorized
	}
	if ownerID == userID {
		return nil
	}
	if !holds(grants, userID, Sentinel) {
		return ErrUnauthorized
	}
	if required != "" && required != Sentinel && !holds(grants, userID, required) {
		return ErrUnauthorized
	}
	return nil
}

// Authorize is Check with the not-found branch in front of it.
func Authorize(found bool, ownerID, userID string, grants []model.PermissionGrant, required string) error {
	if !found {
		return ErrNotFound
	}
	return Check(ownerID, userID, grants, required)
}

func holds(grants []model.PermissionGrant, userID, perm string) bool {
	for _, g := range grants {
		if g.UserID == userID && g.Permission == perm {
			return true
		}
	}
	return false
}
