package ai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
)

// Completer performs the single external text-generation call.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (Completion, error)
}

// Result is the classified step plus the provider payload kept for debugging.
type Result struct {
	Step Step
	Raw  json.RawMessage
}

// QuestionService turns the conversation so far into the next step.
type QuestionService struct {
	completer Completer
}

func NewQuestionService(completer Completer) *QuestionService {
	return &QuestionService{completer: completer}
}

func (s *QuestionService) Next(ctx context.Context, req Request) (Result, error) {
	messages := BuildMessages(req)
	log.Debug().
		Int("mode", int(req.Mode)).
		Int("turns", len(req.Turns)).
		Str("input", preview(messages[len(messages)-1].Content, 100)).
		Msg("requesting next step")

	completion, err := s.completer.Complete(ctx, messages)
	if err != nil {
		return Result{}, err
	}

	step, err := ParseStep(completion.Content)
	if err != nil {
		var aiErr *Error
		if errors.As(err, &aiErr) {
			log.Warn().Str("detail", aiErr.Detail).Msg("llm returned an unusable shape")
		}
		return Result{Raw: completion.Raw}, err
	}
	return Result{Step: step, Raw: completion.Raw}, nil
}
