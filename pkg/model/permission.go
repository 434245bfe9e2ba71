package model

// PermissionGrant gives a user one permission on one server.
type PermissionGrant struct {
	UserID     string `gorm:"primaryKey;size:64" json:"userId"`
	ServerID   string `gorm:"primaryKey;size:64" json:"serverId"`
	Permission string `gorm:"primaryKey;size:64" json:"permission"`
}
