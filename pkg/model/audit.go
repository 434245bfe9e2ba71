package model

import "time"

// LogEntry is an append-only audit record of a privileged operation.
type LogEntry struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"index;size:64" json:"userId"`
	ServerID  string    `gorm:"index;size:64" json:"serverId"`
	Text      string    `json:"text"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Success   bool      `json:"success"`
}
