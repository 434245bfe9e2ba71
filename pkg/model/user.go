package model

import "time"

type User struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64" json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DirectoryEntry is the user record pushed to nodes; it never carries credentials.
type DirectoryEntry struct {
	ID       string `json:"id" validate:"required"`
	Username string `json:"username" validate:"required"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Directory projects users into the form synchronized to nodes.
func Directory(users []User) []DirectoryEntry {
	out := make([]DirectoryEntry, 0, len(users))
	for _, u := range users {
		out = append(out, DirectoryEntry{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin})
	}
	return out
}
