package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gamehost/pkg/model"
)

// GormStore keeps coordinator state in a relational database (MySQL in production).
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || (err != nil && strings.Contains(err.Error(), "Duplicate entry")) {
		return ErrConflict
	}
	return err
}

func (s *GormStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.User{}).Count(&n).Error
	return n, err
}

func (s *GormStore) CreateUser(ctx context.Context, u model.User) error {
	return conflict(s.db.WithContext(ctx).Create(&u).Error)
}

func (s *GormStore) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	return u, notFound(err)
}

func (s *GormStore) GetUserByName(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	return u, notFound(err)
}

func (s *GormStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateNode(ctx context.Context, n model.Node) error {
	return conflict(s.db.WithContext(ctx).Create(&n).Error)
}

func (s *GormStore) UpdateNode(ctx context.Context, n model.Node) error {
	res := s.db.WithContext(ctx).Model(&model.Node{ID: n.ID}).
		Select("Name", "URL", "Credential", "Disabled").Updates(&n)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetNode(ctx, n.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) GetNode(ctx context.Context, id string) (model.Node, error) {
	var n model.Node
	err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error
	return n, notFound(err)
}

func (s *GormStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	var out []model.Node
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) SetNodeHealth(ctx context.Context, id string, state model.HealthState) error {
	return s.db.WithContext(ctx).Model(&model.Node{}).Where("id = ?", id).Update("health", state).Error
}

func (s *GormStore) SaveServerRef(ctx context.Context, ref model.ServerRef) error {
	return s.db.WithContext(ctx).Save(&ref).Error
}

func (s *GormStore) GetServerRef(ctx context.Context, id string) (model.ServerRef, error) {
	var ref model.ServerRef
	err := s.db.WithContext(ctx).First(&ref, "id = ?", id).Error
	return ref, notFound(err)
}

func (s *GormStore) ListServerRefs(ctx context.Context) ([]model.ServerRef, error) {
	var out []model.ServerRef
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) DeleteServerRef(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", id).Delete(&model.PermissionGrant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.ServerRef{}, "id = ?", id).Error
	})
}

func (s *GormStore) Grants(ctx context.Context, serverID, userID string) ([]model.PermissionGrant, error) {
	var out []model.PermissionGrant
	err := s.db.WithContext(ctx).Where("server_id = ? AND user_id = ?", serverID, userID).Order("permission").Find(&out).Error
	return out, err
}

func (s *GormStore) GrantsForUser(ctx context.Context, userID string) ([]model.PermissionGrant, error) {
	var out []model.PermissionGrant
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("server_id, permission").Find(&out).Error
	return out, err
}

func (s *GormStore) Grant(ctx context.Context, g model.PermissionGrant) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&g).Error
}

func (s *GormStore) Revoke(ctx context.Context, g model.PermissionGrant) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND server_id = ? AND permission = ?", g.UserID, g.ServerID, g.Permission).
		Delete(&model.PermissionGrant{}).Error
}

func (s *GormStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	return s.db.WithContext(ctx).Create(&e).Error
}

func (s *GormStore) ListLogs(ctx context.Context, serverID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("timestamp desc").Limit(limit)
	if serverID != "" {
		q = q.Where("server_id = ?", serverID)
	}
	out := []model.LogEntry{}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
