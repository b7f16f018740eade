package app

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"promptly/internal/apperr"
	"promptly/internal/model"
)

var ErrUploadsDisabled = errors.New("context uploads are not configured")

// Executables and scripts are refused whatever the client claims they are.
var (
	blockedContentTypes = []string{
		"application/x-msdownload",
		"application/x-executable",
		"application/x-sharedlib",
		"application/x-elf",
		"application/x-msdos-program",
		"application/vnd.microsoft.portable-executable",
		"application/x-python-code",
		"application/javascript",
		"application/jar",
		"text/x-script.python",
		"text/x-python",
		"text/x-shellscript",
		"text/x-perl",
		"text/x-php",
		"text/javascript",
	}
	blockedExtensions = []string{
		".exe", ".bat", ".cmd", ".com", ".pif", ".scr", ".vbs", ".js", ".jar",
		".sh", ".py", ".pl", ".php", ".asp", ".aspx", ".jsp",
	}

	unsafeFilenameChars = regexp.MustCompile(`[^\w\-.]`)
	repeatedUnderscores = regexp.MustCompile(`_+`)
)

type AttachContextInput struct {
	CallerID    uint
	SessionID   string
	Filename    string
	ContentType string
	Data        []byte
}

// AttachedContext is a stored context file and the session that now lists it.
type AttachedContext struct {
	Session *model.Session
	File    *model.ContextFile
	URL     string
}

// AttachContext stores a file for an active session owned by the caller and
// appends its id to the session's context sources. The file is removed again
// if the session could not take it.
func (o *Orchestrator) AttachContext(ctx context.Context, input AttachContextInput) (*AttachedContext, error) {
	if o.uploader == nil {
		return nil, ErrUploadsDisabled
	}
	session, err := o.activeSession(ctx, input.SessionID, input.CallerID)
	if err != nil {
		return nil, err
	}
	if n := len(session.Settings.ContextSources); n >= model.MaxContextSources {
		return nil, apperr.Validation("session %s already has the maximum of %d context sources", session.ID, n)
	}

	file, err := newContextFile(session.ID, input)
	if err != nil {
		return nil, err
	}
	file.ID = o.newID()
	file.CreatedAt = o.now().UTC()

	url, err := o.uploader.Upload(ctx, file)
	if err != nil {
		return nil, err
	}
	updated, err := o.sessions(o.store).AddContextSource(ctx, session.ID, file.ID)
	if err != nil {
		if delErr := o.uploader.Delete(ctx, file.ID); delErr != nil {
			log.Warn().Err(delErr).Str("session_id", session.ID).Str("file_id", file.ID).Msg("remove orphaned context file failed")
		}
		return nil, err
	}

	log.Info().Str("session_id", session.ID).Str("file_id", file.ID).Int64("size", file.Size).Str("mime", file.ContentType).Msg("context file attached")
	return &AttachedContext{Session: updated, File: file, URL: url}, nil
}

// ContextFile returns an attached file to the session owner.
func (o *Orchestrator) ContextFile(ctx context.Context, callerID uint, sessionID, fileID string) (*model.ContextFile, error) {
	if o.uploader == nil {
		return nil, ErrUploadsDisabled
	}
	if _, err := o.sessions(o.store).AssertOwnership(ctx, sessionID, callerID); err != nil {
		return nil, err
	}
	return o.uploader.Open(ctx, sessionID, fileID)
}

func newContextFile(sessionID string, input AttachContextInput) (*model.ContextFile, error) {
	if len(input.Data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	if len(input.Data) > model.MaxContextFileSize {
		return nil, apperr.Validation("file is larger than %d bytes", model.MaxContextFileSize)
	}

	name := sanitizeFilename(input.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	for _, blocked := range blockedExtensions {
		if ext == blocked {
			return nil, apperr.Validation("files of type %s are not accepted", ext)
		}
	}

	detected := mimetype.Detect(input.Data)
	declared := strings.ToLower(strings.TrimSpace(strings.Split(input.ContentType, ";")[0]))
	for _, blocked := range blockedContentTypes {
		if detected.Is(blocked) || declared == blocked {
			return nil, apperr.Validation("files of type %s are not accepted", blocked)
		}
	}

	return &model.ContextFile{
		SessionID:   sessionID,
		Filename:    name,
		ContentType: detected.String(),
		Size:        int64(len(input.Data)),
		Data:        input.Data,
	}, nil
}

// sanitizeFilename keeps word characters, dashes and dots of the base name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		name = ""
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	if name == "" || strings.HasPrefix(name, ".") {
		name = "uploaded_file" + name
	}
	if len(name) > model.MaxContextSourceLength {
		name = name[:model.MaxContextSourceLength]
	}
	return name
}
