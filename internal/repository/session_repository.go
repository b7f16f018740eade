package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"promptly/internal/apperr"
	"promptly/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	session.ContextSourceCount = len(session.Settings.ContextSources)
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.Conflict("session %s already exists", session.ID)
		}
		return fmt.Errorf("create session failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	if err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("session %s", sessionID)
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

// IncrementQuestionCount adds one to question_count in a single guarded
// UPDATE so the count can never pass max_questions.
func (r *SessionRepository) IncrementQuestionCount(ctx context.Context, sessionID string) (*model.Session, error) {
	res := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ? AND question_count < max_questions", sessionID, model.SessionActive).
		Update("question_count", gorm.Expr("question_count + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("increment question count failed: %w", res.Error)
	}

	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if session.Status.Terminal() {
			return nil, apperr.InvalidState("session %s is %s", sessionID, session.Status)
		}
		return nil, apperr.LimitExceeded("session %s already asked %d of %d questions", sessionID, session.QuestionCount, session.MaxQuestions)
	}
	return session, nil
}

// Transition moves an active session to a terminal status. The WHERE clause
// makes it a compare-and-swap on status.
func (r *SessionRepository) Transition(ctx context.Context, sessionID string, to model.SessionStatus) (*model.Session, error) {
	if !to.Terminal() {
		return nil, apperr.InvalidState("cannot transition session %s to %s", sessionID, to)
	}
	res := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ?", sessionID, model.SessionActive).
		Update("status", to)
	if res.Error != nil {
		return nil, fmt.Errorf("transition session failed: %w", res.Error)
	}

	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, apperr.InvalidState("session %s is %s", sessionID, session.Status)
	}
	return session, nil
}

const contextSourceAttempts = 5

// AddContextSource appends fileID to an active session's context sources.
// The list only grows, so the UPDATE guards on the count it was read at and
// a concurrent append makes it re-read instead of overwriting.
func (r *SessionRepository) AddContextSource(ctx context.Context, sessionID, fileID string) (*model.Session, error) {
	for range contextSourceAttempts {
		session, err := r.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status.Terminal() {
			return nil, apperr.InvalidState("session %s is %s", sessionID, session.Status)
		}
		count := len(session.Settings.ContextSources)
		if count >= model.MaxContextSources {
			return nil, apperr.Validation("session %s already has the maximum of %d context sources", sessionID, count)
		}

		sources := datatypes.JSONSlice[string](append(slices.Clone(session.Settings.ContextSources), fileID))
		res := r.db.WithContext(ctx).Model(&model.Session{}).
			Where("id = ? AND status = ? AND context_source_count = ?", sessionID, model.SessionActive, count).
			Updates(map[string]any{
				"settings_context_sources": sources,
				"context_source_count":     count + 1,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("add context source failed: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return r.Get(ctx, sessionID)
		}
	}
	return nil, apperr.Conflict("context sources of session %s kept changing", sessionID)
}
