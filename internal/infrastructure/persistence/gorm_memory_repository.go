package persistence

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miosa-osa/osa/internal/domain/memory"
	"github.com/miosa-osa/osa/internal/infrastructure/persistence/models"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

// GormMemoryRepository mirrors MEMORY.md entries into the relational
// index. It satisfies memory.Sink; the document stays the source of truth.
type GormMemoryRepository struct {
	db *gorm.DB
}

// NewGormMemoryRepository creates the repository.
func NewGormMemoryRepository(db *gorm.DB) *GormMemoryRepository {
	return &GormMemoryRepository{db: db}
}

// SaveEntry upserts one memory entry row.
func (r *GormMemoryRepository) SaveEntry(ctx context.Context, entry *memory.Entry) error {
	keywords, err := json.Marshal(entry.Keywords)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "encode keywords", err)
	}

	model := models.MemoryEntryModel{
		ID:         entry.ID,
		Category:   string(entry.Category),
		Content:    entry.Content,
		Keywords:   string(keywords),
		Importance: entry.Importance,
		CreatedAt:  entry.CreatedAt,
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"category", "content", "keywords", "importance", "updated_at",
		}),
	}).Create(&model).Error
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "save memory entry", err)
	}
	return nil
}

// DeleteEntry removes one memory entry row.
func (r *GormMemoryRepository) DeleteEntry(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&models.MemoryEntryModel{}, "id = ?", id).Error; err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "delete memory entry", err)
	}
	return nil
}

// ListByCategory pages mirrored entries, newest first. An empty category
// lists everything.
func (r *GormMemoryRepository) ListByCategory(ctx context.Context, category string, limit, offset int) ([]memory.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset)
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var rows []models.MemoryEntryModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "list memory entries", err)
	}

	out := make([]memory.Entry, 0, len(rows))
	for i := range rows {
		var keywords []string
		if rows[i].Keywords != "" {
			// Index rows written by SaveEntry always hold valid JSON.
			_ = json.Unmarshal([]byte(rows[i].Keywords), &keywords)
		}
		out = append(out, memory.Entry{
			ID:         rows[i].ID,
			Category:   memory.Category(rows[i].Category),
			Content:    rows[i].Content,
			Keywords:   keywords,
			Importance: rows[i].Importance,
			CreatedAt:  rows[i].CreatedAt,
		})
	}
	return out, nil
}
