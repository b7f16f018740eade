package ai

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	content string
	err     error
	got     []ChatMessage
}

func (s *stubCompleter) Complete(_ context.Context, messages []ChatMessage) (Completion, error) {
	s.got = messages
	if s.err != nil {
		return Completion{}, s.err
	}
	return Completion{Content: s.content, Raw: json.RawMessage(`{"raw":true}`)}, nil
}

func TestQuestionServiceNextClassifies(t *testing.T) {
	stub := &stubCompleter{content: `{"question":"Audience?","options":["kids","adults"],"selection_method":"single"}`}
	svc := NewQuestionService(stub)

	result, err := svc.Next(context.Background(), Request{StarterPrompt: "Write a poem", Mode: ModeFirstQuestion})
	require.NoError(t, err)

	step, ok := result.Step.(QuestionStep)
	require.True(t, ok)
	assert.Equal(t, "Audience?", step.Question)
	assert.JSONEq(t, `{"raw":true}`, string(result.Raw))
	require.Len(t, stub.got, 3)
	assert.Contains(t, stub.got[1].Content, "first clarifying question")
}

func TestQuestionServiceNextMalformedKeepsRaw(t *testing.T) {
	svc := NewQuestionService(&stubCompleter{content: "no json here"})

	result, err := svc.Next(context.Background(), Request{StarterPrompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.NotEmpty(t, result.Raw)
	assert.Nil(t, result.Step)
}

func TestQuestionServiceNextPropagatesClientErrors(t *testing.T) {
	svc := NewQuestionService(&stubCompleter{err: newError(ErrClient, 401, "unauthorized")})

	_, err := svc.Next(context.Background(), Request{StarterPrompt: "x"})
	assert.ErrorIs(t, err, ErrClient)
}
