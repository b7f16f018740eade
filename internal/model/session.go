package model

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further nodes may be appended.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

type Tone string

const (
	ToneFriendly Tone = "friendly"
	ToneFormal   Tone = "formal"
)

const (
	MaxTitleLength         = 200
	MaxStarterPromptLength = 5000
	MinMaxQuestions        = 1
	MaxMaxQuestions        = 20
	DefaultMaxQuestions    = 10
	MinWordLimit           = 25
	MaxWordLimit           = 300
	DefaultWordLimit       = 150
	MaxContextSources      = 20
	MaxContextSourceLength = 255
	DefaultTitleLength     = 60
	DefaultTargetModel     = "gpt-4"
)

// TargetModels lists the external models a finished prompt may be written for.
var TargetModels = []string{
	"gpt-4", "gpt-4-turbo", "gpt-3.5-turbo",
	"claude-3-opus", "claude-3-sonnet", "claude-3-haiku",
	"llama-2-70b", "llama-2-13b", "gemini-pro",
}

func IsTargetModel(name string) bool {
	for _, m := range TargetModels {
		if m == name {
			return true
		}
	}
	return false
}

type SessionSettings struct {
	Tone           Tone                        `gorm:"size:16;not null" json:"tone"`
	WordLimit      int                         `gorm:"not null" json:"word_limit"`
	ContextSources datatypes.JSONSlice[string] `gorm:"type:text" json:"context_sources"`
}

// Session is one run of the question loop. ContextSourceCount mirrors
// len(Settings.ContextSources) so appends can be guarded on an integer column.
type Session struct {
	ID                 string          `gorm:"primaryKey;size:36" json:"id"`
	OwnerID            uint            `gorm:"not null;index:idx_sessions_owner_created,priority:1" json:"owner_id"`
	Title              string          `gorm:"size:200" json:"title"`
	StarterPrompt      string          `gorm:"type:text;not null" json:"starter_prompt"`
	MaxQuestions       int             `gorm:"not null" json:"max_questions"`
	TargetModel        string          `gorm:"size:50;not null" json:"target_model"`
	Settings           SessionSettings `gorm:"embedded;embeddedPrefix:settings_" json:"settings"`
	Status             SessionStatus   `gorm:"size:16;not null;index" json:"status"`
	QuestionCount      int             `gorm:"not null;default:0" json:"question_count"`
	ContextSourceCount int             `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time       `gorm:"index:idx_sessions_owner_created,priority:2" json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// QuestionBudgetExhausted reports whether the next step must be a final prompt.
func (s *Session) QuestionBudgetExhausted() bool {
	return s.QuestionCount >= s.MaxQuestions
}
