package model

import "time"

type EventType string

const (
	EventNodeAppended        EventType = "node_appended"
	EventSessionTransitioned EventType = "session_transitioned"
)

// Event is emitted by the orchestrator for every committed change.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	NodeID    string        `json:"node_id,omitempty"`
	NodeType  NodeType      `json:"node_type,omitempty"`
	Status    SessionStatus `json:"status,omitempty"`
	At        time.Time     `json:"at"`
}

// AuditEvent is the persisted form of Event written by the audit worker.
type AuditEvent struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	Type       EventType     `gorm:"size:32;not null;index" json:"type"`
	SessionID  string        `gorm:"size:36;not null;index" json:"session_id"`
	NodeID     string        `gorm:"size:36" json:"node_id,omitempty"`
	NodeType   NodeType      `gorm:"size:16" json:"node_type,omitempty"`
	Status     SessionStatus `gorm:"size:16" json:"status,omitempty"`
	OccurredAt time.Time     `gorm:"not null" json:"occurred_at"`
	CreatedAt  time.Time     `json:"created_at"`
}

func NewAuditEvent(e Event) AuditEvent {
	return AuditEvent{
		Type:       e.Type,
		SessionID:  e.SessionID,
		NodeID:     e.NodeID,
		NodeType:   e.NodeType,
		Status:     e.Status,
		OccurredAt: e.At,
	}
}
