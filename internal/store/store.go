// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/vibecode-dev/vibecode/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// GetSessionByID returns a session by ID. Soft-deleted sessions are excluded.
func (s *Store) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// ListSessionsByUser returns all live sessions owned by a user, newest first.
func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// ListSessionsByStatuses returns all sessions with any of the given statuses.
func (s *Store) ListSessionsByStatuses(ctx context.Context, statuses []string) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Find(&sessions).Error
	return sessions, err
}

func (s *Store) UpdateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Save(session).Error
}

// UpdateSessionStatus updates only the status and error message fields for a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, errorMessage *string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	} else {
		updates["error_message"] = nil
	}
	return s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Updates(updates).Error
}

// SetSessionContainer writes the IDE container identity back onto the
// session record. A nil containerID clears it, which must happen whenever
// the container is removed.
func (s *Store) SetSessionContainer(ctx context.Context, id string, containerID *string, volumeName string) error {
	updates := map[string]interface{}{
		"volume_name": volumeName,
	}
	if containerID != nil {
		updates["container_id"] = *containerID
	} else {
		updates["container_id"] = nil
	}
	return s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Updates(updates).Error
}

// TouchSessionActivity records the time of the most recent user interaction.
func (s *Store) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("last_active_at", at).Error
}

// SoftDeleteSession tombstones a session. The row stays in the table with a
// deleted_at timestamp so a later daemon sweep can still match its containers.
func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&model.Session{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteSession permanently removes a session and its exec records.
func (s *Store) HardDeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&model.ExecRecord{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&model.Session{}, "id = ?", id).Error
	})
}

// --- Exec records ---

func (s *Store) CreateExecRecord(ctx context.Context, record *model.ExecRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

// ListExecRecordsBySession returns recent exec records for a session,
// newest first. A limit of 0 means no limit.
func (s *Store) ListExecRecordsBySession(ctx context.Context, sessionID string, limit int) ([]*model.ExecRecord, error) {
	var records []*model.ExecRecord
	query := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}
