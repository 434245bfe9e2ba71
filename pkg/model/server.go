package model

import "time"

// RestartPolicy mirrors the container engine's restart policy names.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartAlways        RestartPolicy = "always"
)

// Valid reports whether p is one of the known policies.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNo, RestartOnFailure, RestartUnlessStopped, RestartAlways:
		return true
	}
	return false
}

// Server is a user-owned game server instance, stored on the node that hosts it.
// ContainerID is empty until the first successful create and is cleared whenever
// startup-affecting configuration changes.
type Server struct {
	ID                string            `json:"id"`
	OwnerID           string            `json:"ownerId"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	ContainerID       string            `json:"containerId,omitempty"`
	Options           map[string]string `json:"options"`
	Ports             []string          `json:"ports"`
	CPULimit          float64           `json:"cpuLimit"` // cores
	RAMLimit          int64             `json:"ramLimit"` // MiB
	RestartPolicy     RestartPolicy     `json:"restartPolicy"`
	RestartRetryCount int               `json:"restartRetryCount"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// HasContainer reports whether a container id was assigned. It does not mean the
// container still exists.
func (s Server) HasContainer() bool {
	return s.ContainerID != ""
}

// NetworkConfig is the port mapping set of a server ("host:container[/proto]").
type NetworkConfig struct {
	Ports []string `json:"ports" validate:"dive,required,port"`
}

// LimitsConfig carries resource limits and restart behaviour.
type LimitsConfig struct {
	CPULimit          float64       `json:"cpuLimit" validate:"gt=0"`
	RAMLimit          int64         `json:"ramLimit" validate:"gt=0"`
	RestartPolicy     RestartPolicy `json:"restartPolicy" validate:"required,oneof=no on-failure unless-stopped always"`
	RestartRetryCount int           `json:"restartRetryCount" validate:"gte=0"`
}

// StartupConfig carries the options projected into the container environment.
type StartupConfig struct {
	Options map[string]string `json:"options"`
}

// ServerRef is the coordinator's index entry for a server hosted on a node.
type ServerRef struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	NodeID    string    `gorm:"index;size:64" json:"nodeId"`
	OwnerID   string    `gorm:"index;size:64" json:"ownerId"`
	Name      string    `gorm:"size:128" json:"name"`
	Type      string    `gorm:"size:64" json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}
