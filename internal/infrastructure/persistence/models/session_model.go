package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionModel indexes sessions for list endpoints. The JSONL document is
// the source of truth; this row is a mirror.
type SessionModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	Channel      string `gorm:"size:32;index"`
	Provider     string `gorm:"size:32"`
	Model        string `gorm:"size:128"`
	Workspace    string `gorm:"size:255"`
	MessageCount int
	TokenUsage   int
	LastActiveAt time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

func (SessionModel) TableName() string {
	return "sessions"
}
