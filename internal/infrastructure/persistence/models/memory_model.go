package models

import (
	"time"

	"gorm.io/gorm"
)

// MemoryEntryModel mirrors MEMORY.md entries so list endpoints can page
// without re-parsing the document.
type MemoryEntryModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Category   string `gorm:"size:32;index"`
	Content    string `gorm:"type:text;not null"`
	Keywords   string `gorm:"type:text"` // JSON encoded list
	Importance float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

func (MemoryEntryModel) TableName() string {
	return "memory_entries"
}
