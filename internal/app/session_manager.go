package app

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"promptly/internal/apperr"
	"promptly/internal/model"
	"promptly/internal/repository"
)

// CreateSessionInput carries the caller's choices. A nil MaxQuestions or
// WordLimit takes the default; an explicit value, zero included, is checked
// against the allowed range.
type CreateSessionInput struct {
	OwnerID        uint
	Title          string
	StarterPrompt  string
	MaxQuestions   *int
	TargetModel    string
	Tone           string
	WordLimit      *int
	ContextSources []string
}

// SessionManager owns session lifecycle and question accounting. It is cheap
// to build, so callers bind one to whichever store or transaction they hold.
type SessionManager struct {
	sessions repository.SessionStore
	now      func() time.Time
	newID    func() string
}

func NewSessionManager(sessions repository.SessionStore) *SessionManager {
	return &SessionManager{sessions: sessions, now: time.Now, newID: uuid.NewString}
}

// NewSession validates input and returns an active session with no questions
// asked yet. Nothing is persisted.
func NewSession(input CreateSessionInput, id string, now time.Time) (*model.Session, error) {
	if input.OwnerID == 0 {
		return nil, apperr.Validation("owner is required")
	}

	prompt := strings.TrimSpace(input.StarterPrompt)
	if prompt == "" {
		return nil, apperr.Validation("starter_prompt is required")
	}
	if n := utf8.RuneCountInString(prompt); n > model.MaxStarterPromptLength {
		return nil, apperr.Validation("starter_prompt has %d characters, at most %d allowed", n, model.MaxStarterPromptLength)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = defaultTitle(prompt)
	}
	if n := utf8.RuneCountInString(title); n > model.MaxTitleLength {
		return nil, apperr.Validation("title has %d characters, at most %d allowed", n, model.MaxTitleLength)
	}

	maxQuestions := model.DefaultMaxQuestions
	if input.MaxQuestions != nil {
		maxQuestions = *input.MaxQuestions
	}
	if maxQuestions < model.MinMaxQuestions || maxQuestions > model.MaxMaxQuestions {
		return nil, apperr.Validation("max_questions must be between %d and %d", model.MinMaxQuestions, model.MaxMaxQuestions)
	}

	targetModel := strings.TrimSpace(input.TargetModel)
	if targetModel == "" {
		targetModel = model.DefaultTargetModel
	}
	if !model.IsTargetModel(targetModel) {
		return nil, apperr.Validation("target_model %q is not supported", targetModel)
	}

	settings, err := buildSettings(input)
	if err != nil {
		return nil, err
	}

	return &model.Session{
		ID:            id,
		OwnerID:       input.OwnerID,
		Title:         title,
		StarterPrompt: prompt,
		MaxQuestions:  maxQuestions,
		TargetModel:   targetModel,
		Settings:      settings,
		Status:        model.SessionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func buildSettings(input CreateSessionInput) (model.SessionSettings, error) {
	tone := model.Tone(strings.ToLower(strings.TrimSpace(input.Tone)))
	switch tone {
	case "":
		tone = model.ToneFriendly
	case model.ToneFriendly, model.ToneFormal:
	default:
		return model.SessionSettings{}, apperr.Validation("tone must be %s or %s", model.ToneFriendly, model.ToneFormal)
	}

	wordLimit := model.DefaultWordLimit
	if input.WordLimit != nil {
		wordLimit = *input.WordLimit
	}
	if wordLimit < model.MinWordLimit || wordLimit > model.MaxWordLimit {
		return model.SessionSettings{}, apperr.Validation("word_limit must be between %d and %d", model.MinWordLimit, model.MaxWordLimit)
	}

	if len(input.ContextSources) > model.MaxContextSources {
		return model.SessionSettings{}, apperr.Validation("at most %d context_sources allowed", model.MaxContextSources)
	}
	sources := make([]string, 0, len(input.ContextSources))
	for _, src := range input.ContextSources {
		src = strings.TrimSpace(src)
		if src == "" || len(src) > model.MaxContextSourceLength {
			return model.SessionSettings{}, apperr.Validation("context_sources entries must be 1 to %d characters", model.MaxContextSourceLength)
		}
		sources = append(sources, src)
	}

	return model.SessionSettings{Tone: tone, WordLimit: wordLimit, ContextSources: sources}, nil
}

func defaultTitle(prompt string) string {
	r := []rune(prompt)
	if len(r) > model.DefaultTitleLength {
		r = r[:model.DefaultTitleLength]
	}
	return strings.TrimSpace(string(r))
}

// CreateSession validates input and stores the new active session.
func (m *SessionManager) CreateSession(ctx context.Context, input CreateSessionInput) (*model.Session, error) {
	session, err := NewSession(input, m.newID(), m.now())
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// IncrementQuestionCount fails with LimitExceeded rather than passing max_questions.
func (m *SessionManager) IncrementQuestionCount(ctx context.Context, sessionID string) (*model.Session, error) {
	return m.sessions.IncrementQuestionCount(ctx, sessionID)
}

// Transition allows active to completed and active to cancelled only.
func (m *SessionManager) Transition(ctx context.Context, sessionID string, to model.SessionStatus) (*model.Session, error) {
	if !to.Terminal() {
		return nil, apperr.InvalidState("sessions can only move to %s or %s", model.SessionCompleted, model.SessionCancelled)
	}
	return m.sessions.Transition(ctx, sessionID, to)
}

// AddContextSource records fileID on an active session with room for it.
func (m *SessionManager) AddContextSource(ctx context.Context, sessionID, fileID string) (*model.Session, error) {
	return m.sessions.AddContextSource(ctx, sessionID, fileID)
}

// AssertOwnership loads the session and checks that callerID owns it.
func (m *SessionManager) AssertOwnership(ctx context.Context, sessionID string, callerID uint) (*model.Session, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID == 0 || session.OwnerID != callerID {
		return nil, apperr.Forbidden("session %s belongs to another user", sessionID)
	}
	return session, nil
}
