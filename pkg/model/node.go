package model

import "time"

// HealthState is the coordinator's view of a node, rewritten on every heartbeat tick.
type HealthState string

const (
	HealthConnectionError     HealthState = "CONNECTION_ERROR"
	HealthAuthenticationError HealthState = "AUTHENTICATION_ERROR"
	HealthSyncError           HealthState = "SYNC_ERROR"
	HealthConnected           HealthState = "CONNECTED"
)

// Node is a remote host running a container engine and the node agent.
type Node struct {
	ID         string      `gorm:"primaryKey;size:64" json:"id"`
	Name       string      `gorm:"size:128" json:"name"`
	URL        string      `gorm:"size:512" json:"url"`
	Credential string      `gorm:"size:128" json:"-"` // shared secret presented to the node's auth call
	Health     HealthState `gorm:"size:32" json:"health"`
	Disabled   bool        `json:"disabled"` // soft lifecycle; nodes are never hard-deleted
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}
