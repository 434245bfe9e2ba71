package model

import "time"

// StatSample is one normalized resource usage reading for a running server.
type StatSample struct {
	ServerID        string    `json:"serverId"`
	Timestamp       time.Time `json:"timestamp"`
	CPUUsage        float64   `json:"cpuUsage"` // percent of all cores
	CPUCount        int       `json:"cpuCount"`
	RAMUsage        uint64    `json:"ramUsage"`
	RAMAvailable    uint64    `json:"ramAvailable"`
	NetworkInDelta  uint64    `json:"networkInDelta"`
	NetworkOutDelta uint64    `json:"networkOutDelta"`
}
