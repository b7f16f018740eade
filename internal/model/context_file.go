package model

import "time"

const MaxContextFileSize = 20 << 20

// ContextFile is a file a session owner attached as extra context. Its id is
// what the session lists in settings.context_sources.
type ContextFile struct {
	ID          string    `gorm:"primaryKey;size:36" json:"file_id"`
	SessionID   string    `gorm:"size:36;not null;index" json:"session_id"`
	Filename    string    `gorm:"size:255;not null" json:"filename"`
	ContentType string    `gorm:"size:127;not null" json:"mime"`
	Size        int64     `gorm:"not null" json:"size"`
	Data        []byte    `gorm:"type:longblob" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
