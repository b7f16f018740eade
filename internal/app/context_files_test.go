package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptly/internal/ai"
	"promptly/internal/apperr"
	"promptly/internal/model"
	"promptly/internal/repository"
)

// memoryUploader keeps uploaded files in a map.
type memoryUploader struct {
	mu    sync.Mutex
	files map[string]model.ContextFile
}

func newMemoryUploader() *memoryUploader {
	return &memoryUploader{files: make(map[string]model.ContextFile)}
}

func (u *memoryUploader) Upload(_ context.Context, file *model.ContextFile) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	file.Size = int64(len(file.Data))
	u.files[file.ID] = *file
	return "/files/" + file.ID, nil
}

func (u *memoryUploader) Open(_ context.Context, sessionID, fileID string) (*model.ContextFile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	file, ok := u.files[fileID]
	if !ok || file.SessionID != sessionID {
		return nil, apperr.NotFound("context file %s", fileID)
	}
	return &file, nil
}

func (u *memoryUploader) Delete(_ context.Context, fileID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.files, fileID)
	return nil
}

func (u *memoryUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.files)
}

func notes(sessionID string, caller uint) AttachContextInput {
	return AttachContextInput{
		CallerID:    caller,
		SessionID:   sessionID,
		Filename:    "notes.txt",
		ContentType: "text/plain",
		Data:        []byte("The hero is afraid of water."),
	}
}

func TestAttachContextAppendsSource(t *testing.T) {
	forEachStore(t, func(t *testing.T, store repository.Store) {
		uploader := newMemoryUploader()
		o := newTestOrchestrator(store, newScriptedAI(), nil).WithContextUploader(uploader)
		ctx := context.Background()
		input := storyInput(3)
		input.ContextSources = []string{"brief-1"}
		session, _ := mustCreate(t, o, input)

		attached, err := o.AttachContext(ctx, notes(session.ID, owner))
		require.NoError(t, err)
		assert.Equal(t, "/files/"+attached.File.ID, attached.URL)
		assert.Equal(t, int64(28), attached.File.Size)
		assert.True(t, strings.HasPrefix(attached.File.ContentType, "text/plain"))
		assert.Equal(t, []string{"brief-1", attached.File.ID}, []string(attached.Session.Settings.ContextSources))

		stored, err := store.Sessions().Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"brief-1", attached.File.ID}, []string(stored.Settings.ContextSources))

		file, err := o.ContextFile(ctx, owner, session.ID, attached.File.ID)
		require.NoError(t, err)
		assert.Equal(t, "The hero is afraid of water.", string(file.Data))

		_, err = o.ContextFile(ctx, owner+1, session.ID, attached.File.ID)
		assert.ErrorIs(t, err, apperr.ErrForbidden)
	})
}

func TestAttachContextStopsAtLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, store repository.Store) {
		uploader := newMemoryUploader()
		o := newTestOrchestrator(store, newScriptedAI(), nil).WithContextUploader(uploader)
		ctx := context.Background()
		input := storyInput(3)
		for i := range model.MaxContextSources - 1 {
			input.ContextSources = append(input.ContextSources, fmt.Sprintf("brief-%d", i))
		}
		session, _ := mustCreate(t, o, input)

		attached, err := o.AttachContext(ctx, notes(session.ID, owner))
		require.NoError(t, err)
		assert.Len(t, attached.Session.Settings.ContextSources, model.MaxContextSources)

		_, err = o.AttachContext(ctx, notes(session.ID, owner))
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Equal(t, 1, uploader.count())

		stored, err := store.Sessions().Get(ctx, session.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Settings.ContextSources, model.MaxContextSources)
	})
}

func TestAttachContextRefusesClosedOrForeignSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store repository.Store) {
		uploader := newMemoryUploader()
		o := newTestOrchestrator(store, newScriptedAI(), nil).WithContextUploader(uploader)
		ctx := context.Background()
		session, _ := mustCreate(t, o, storyInput(3))

		_, err := o.AttachContext(ctx, notes(session.ID, owner+1))
		assert.ErrorIs(t, err, apperr.ErrForbidden)

		_, err = o.AttachContext(ctx, notes("missing", owner))
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		_, err = o.CancelSession(ctx, owner, session.ID)
		require.NoError(t, err)
		_, err = o.AttachContext(ctx, notes(session.ID, owner))
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
		assert.Equal(t, apperr.ClassSessionOver, apperr.Classify(err))
		assert.Zero(t, uploader.count())
	})
}

func TestAttachContextRemovesFileWhenSessionClosesMeanwhile(t *testing.T) {
	store := storeFactories()["memory"](t)
	o := newTestOrchestrator(store, newScriptedAI(), nil)
	ctx := context.Background()
	session, _ := mustCreate(t, o, storyInput(3))

	uploader := &closingUploader{memoryUploader: newMemoryUploader(), store: store}
	o.WithContextUploader(uploader)

	_, err := o.AttachContext(ctx, notes(session.ID, owner))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Zero(t, uploader.count())
}

// closingUploader cancels the session while the upload is in progress.
type closingUploader struct {
	*memoryUploader
	store repository.Store
}

func (u *closingUploader) Upload(ctx context.Context, file *model.ContextFile) (string, error) {
	if _, err := u.store.Sessions().Transition(ctx, file.SessionID, model.SessionCancelled); err != nil {
		return "", err
	}
	return u.memoryUploader.Upload(ctx, file)
}

func TestAttachContextValidatesFile(t *testing.T) {
	tests := map[string]AttachContextInput{
		"empty":             {Filename: "notes.txt"},
		"too large":         {Filename: "notes.txt", Data: make([]byte, model.MaxContextFileSize+1)},
		"script extension":  {Filename: "setup.sh", Data: []byte("echo hi")},
		"upper case exe":    {Filename: "TOOL.EXE", Data: []byte("hello")},
		"declared script":   {Filename: "notes", ContentType: "application/javascript; charset=utf-8", Data: []byte("alert(1)")},
		"sniffed linux":     {Filename: "notes.txt", Data: append([]byte("\x7fELF"), make([]byte, 60)...)},
		"sniffed windows":   {Filename: "notes.txt", Data: append([]byte("MZ"), make([]byte, 128)...)},
		"path traversal js": {Filename: "../../app.js", Data: []byte("alert(1)")},
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			uploader := newMemoryUploader()
			o := newTestOrchestrator(storeFactories()["memory"](t), newScriptedAI(), nil).WithContextUploader(uploader)
			session, _ := mustCreate(t, o, storyInput(3))
			input.CallerID = owner
			input.SessionID = session.ID

			_, err := o.AttachContext(context.Background(), input)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Zero(t, uploader.count())
		})
	}
}

func TestAttachContextNeedsUploader(t *testing.T) {
	o := newTestOrchestrator(storeFactories()["memory"](t), newScriptedAI(askQuestion("Genre?", ai.SelectionCustom)), nil)
	session, _ := mustCreate(t, o, storyInput(3))

	_, err := o.AttachContext(context.Background(), notes(session.ID, owner))
	assert.ErrorIs(t, err, ErrUploadsDisabled)
	assert.Equal(t, apperr.ClassInternal, apperr.Classify(err))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"meeting notes.txt": "meeting_notes.txt",
		"../../etc/passwd":  "passwd",
		`C:\docs\brief.pdf`: "brief.pdf",
		"a  &&  b.md":       "a_b.md",
		".env":              "uploaded_file.env",
		"":                  "uploaded_file",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
	assert.Equal(t, strings.Repeat("x", 255), sanitizeFilename(strings.Repeat("x", 300)))
}
