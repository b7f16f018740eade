package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"promptly/internal/apperr"
	"promptly/internal/model"
)

// ContextFileRepository keeps attached context files in the database next
// to the sessions that list them.
type ContextFileRepository struct {
	db     *gorm.DB
	urlFor func(sessionID, fileID string) string
}

// NewContextFileRepository stores files in db. urlFor renders the address a
// stored file is served from.
func NewContextFileRepository(db *gorm.DB, urlFor func(sessionID, fileID string) string) *ContextFileRepository {
	return &ContextFileRepository{db: db, urlFor: urlFor}
}

func (r *ContextFileRepository) Upload(ctx context.Context, file *model.ContextFile) (string, error) {
	file.Size = int64(len(file.Data))
	if err := r.db.WithContext(ctx).Create(file).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", apperr.Conflict("context file %s already exists", file.ID)
		}
		return "", fmt.Errorf("store context file failed: %w", err)
	}
	return r.urlFor(file.SessionID, file.ID), nil
}

func (r *ContextFileRepository) Open(ctx context.Context, sessionID, fileID string) (*model.ContextFile, error) {
	var file model.ContextFile
	err := r.db.WithContext(ctx).Where("id = ? AND session_id = ?", fileID, sessionID).First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("context file %s in session %s", fileID, sessionID)
		}
		return nil, fmt.Errorf("get context file failed: %w", err)
	}
	return &file, nil
}

func (r *ContextFileRepository) Delete(ctx context.Context, fileID string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", fileID).Delete(&model.ContextFile{}).Error; err != nil {
		return fmt.Errorf("delete context file failed: %w", err)
	}
	return nil
}
