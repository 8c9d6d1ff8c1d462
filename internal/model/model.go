// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents an account that owns sessions.
type User struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null;type:text" json:"email"`
	Name      *string   `gorm:"type:text" json:"name,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Sessions []Session `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Session status constants representing the lifecycle of a session
const (
	SessionStatusCreated = "created" // Containers exist but have not started
	SessionStatusRunning = "running" // IDE container is up
	SessionStatusStopped = "stopped" // Containers stopped, volume retained
	SessionStatusError   = "error"   // Last lifecycle operation failed
)

// Session represents a coding session backed by an IDE container, a runner
// container and a shared workspace volume. The record is the durable half of
// a session; live container state comes from the daemon via the registry.
type Session struct {
	ID           string         `gorm:"primaryKey;type:text" json:"id"`
	UserID       string         `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	Name         string         `gorm:"not null;type:text" json:"name"`
	Status       string         `gorm:"not null;type:text;default:created" json:"status"`
	ContainerID  *string        `gorm:"column:container_id;type:text" json:"container_id,omitempty"`
	VolumeName   string         `gorm:"column:volume_name;type:text" json:"volume_name,omitempty"`
	ErrorMessage *string        `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	LastActiveAt *time.Time     `gorm:"column:last_active_at;index" json:"last_active_at,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// ExecRecord represents one command executed inside a session container.
// Kept for audit and debugging; output is truncated at write time.
type ExecRecord struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	SessionID  string    `gorm:"column:session_id;not null;type:text;index" json:"session_id"`
	Flavor     string    `gorm:"not null;type:text" json:"flavor"`
	Command    string    `gorm:"not null;type:text" json:"command"`
	ExitCode   int       `gorm:"column:exit_code" json:"exit_code"`
	DurationMS int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	Session *Session `gorm:"foreignKey:SessionID" json:"-"`
}

func (ExecRecord) TableName() string { return "exec_records" }

func (r *ExecRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Session{},
		&ExecRecord{},
	}
}
