package rpc

import (
	"gamehost/pkg/model"
)

// HeaderUserID carries the acting user on every server-scoped node call.
const HeaderUserID = "X-User-Id"

type AuthRequest struct {
	Secret string `json:"secret" validate:"required"`
}

type AuthResponse struct {
	Token string `json:"token"`
}

type PingResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type SyncUsersRequest struct {
	Users []model.DirectoryEntry `json:"users" validate:"dive"`
}

// CreateServerRequest registers a server on a node. OwnerID defaults to the acting user.
type CreateServerRequest struct {
	ID                string              `json:"id" validate:"required"`
	OwnerID           string              `json:"ownerId"`
	Name              string              `json:"name" validate:"required,max=128"`
	Type              string              `json:"type" validate:"required"`
	Options           map[string]string   `json:"options"`
	Ports             []string            `json:"ports" validate:"dive,required,port"`
	CPULimit          float64             `json:"cpuLimit" validate:"gt=0"`
	RAMLimit          int64               `json:"ramLimit" validate:"gt=0"`
	RestartPolicy     model.RestartPolicy `json:"restartPolicy" validate:"required,oneof=no on-failure unless-stopped always"`
	RestartRetryCount int                 `json:"restartRetryCount" validate:"gte=0"`
	Metadata          map[string]any      `json:"metadata,omitempty"`
}

type PowerRequest struct {
	Action string `json:"action" validate:"required,oneof=start stop restart kill"`
}

type CommandRequest struct {
	Command string `json:"command" validate:"required,max=1024"`
}

type GrantRequest struct {
	UserID     string `json:"userId" validate:"required"`
	Permission string `json:"permission" validate:"required"`
}

// ErrorResponse is the body of every non-2xx node answer. Outcome and
// EngineStatus are set when the failure came from the container engine.
type ErrorResponse struct {
	Error        string `json:"error"`
	Outcome      string `json:"outcome,omitempty"`
	EngineStatus int    `json:"engineStatus,omitempty"`
}
