package app

import (
	"context"

	"promptly/internal/ai"
	"promptly/internal/model"
)

// StepGenerator produces the next question or final prompt for a transcript.
type StepGenerator interface {
	Next(ctx context.Context, req ai.Request) (ai.Result, error)
}

// TranscriptCache holds rendered transcripts. Writers call MarkDirty before
// and DeleteTranscript after a write; both advance Version. SetTranscript
// stores a copy only if the version read before loading it is still current.
type TranscriptCache interface {
	GetTranscript(ctx context.Context, sessionID string) ([]model.Node, bool, error)
	Version(ctx context.Context, sessionID string) (int64, error)
	SetTranscript(ctx context.Context, sessionID string, nodes []model.Node, version int64) (bool, error)
	DeleteTranscript(ctx context.Context, sessionID string) error
	MarkDirty(ctx context.Context, sessionID string) error
	IsDirty(ctx context.Context, sessionID string) (bool, error)
}

// ContextUploader stores files attached to a session as context. Upload
// fills in the file's size and returns the URL it can be fetched from.
type ContextUploader interface {
	Upload(ctx context.Context, file *model.ContextFile) (string, error)
	Open(ctx context.Context, sessionID, fileID string) (*model.ContextFile, error)
	Delete(ctx context.Context, fileID string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event model.Event) error
}
