package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/infrastructure/persistence/models"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// SessionIndexEntry is one row of the session list.
type SessionIndexEntry struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	TokenUsage   int       `json:"token_usage"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// GormSessionRepository maintains the relational session index.
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates the repository.
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

// Touch upserts a session's index row from its in-memory state.
func (r *GormSessionRepository) Touch(ctx context.Context, session *entity.Session, channel string) error {
	model := models.SessionModel{
		ID:           session.ID,
		Channel:      channel,
		Provider:     session.Provider,
		Model:        session.Model,
		Workspace:    session.Workspace,
		MessageCount: len(session.Messages),
		TokenUsage:   session.TokenUsage,
		LastActiveAt: time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"channel", "provider", "model", "workspace",
			"message_count", "token_usage", "last_active_at", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "save session index", err)
	}
	return nil
}

// Get returns one index row.
func (r *GormSessionRepository) Get(ctx context.Context, id string) (*SessionIndexEntry, error) {
	var model models.SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.KindNotFound, "session not found")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "find session", err)
	}
	entry := toIndexEntry(&model)
	return &entry, nil
}

// List pages index rows, most recently active first.
func (r *GormSessionRepository) List(ctx context.Context, limit, offset int) ([]SessionIndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []models.SessionModel
	err := r.db.WithContext(ctx).
		Order("last_active_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list sessions", err)
	}

	out := make([]SessionIndexEntry, 0, len(rows))
	for i := range rows {
		out = append(out, toIndexEntry(&rows[i]))
	}
	return out, nil
}

// Delete soft-deletes a session's index row.
func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.SessionModel{}, "id = ?", id)
	if result.Error != nil {
		return apperrors.Wrap(apperrors.KindInternal, "delete session index", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.KindNotFound, "session not found")
	}
	return nil
}

func toIndexEntry(m *models.SessionModel) SessionIndexEntry {
	return SessionIndexEntry{
		ID:           m.ID,
		Channel:      m.Channel,
		Provider:     m.Provider,
		Model:        m.Model,
		MessageCount: m.MessageCount,
		TokenUsage:   m.TokenUsage,
		LastActiveAt: m.LastActiveAt,
		CreatedAt:    m.CreatedAt,
	}
}
