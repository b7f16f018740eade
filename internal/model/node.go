package model

import (
	"time"

	"gorm.io/datatypes"

	"promptly/internal/apperr"
)

type NodeRole string

const (
	RoleAssistant NodeRole = "assistant"
	RoleUser      NodeRole = "user"
)

type NodeType string

const (
	NodeQuestion    NodeType = "question"
	NodeAnswer      NodeType = "answer"
	NodeFinalPrompt NodeType = "final_prompt"
)

type SelectionMethod string

const (
	SelectSingle SelectionMethod = "single"
	SelectMulti  SelectionMethod = "multi"
	SelectCustom SelectionMethod = "custom"
)

func (m SelectionMethod) Valid() bool {
	return m == SelectSingle || m == SelectMulti || m == SelectCustom
}

const MaxNodeContentLength = 10000

// Node is one immutable turn of a session's decision tree. Parents are
// referenced by id only; ParentID is nil for the root question. The unique
// index on parent_id lets a node have at most one child, which is what makes
// two racing answers to the same question collide in storage.
type Node struct {
	Seq             uint                        `gorm:"primaryKey;autoIncrement" json:"-"`
	ID              string                      `gorm:"column:id;size:36;not null;uniqueIndex:idx_nodes_public_id" json:"id"`
	SessionID       string                      `gorm:"size:36;not null;index:idx_nodes_session_parent,priority:1;index:idx_nodes_session_created,priority:1" json:"session_id"`
	ParentID        *string                     `gorm:"size:36;uniqueIndex:idx_nodes_parent;index:idx_nodes_session_parent,priority:2" json:"parent_id"`
	Role            NodeRole                    `gorm:"size:16;not null" json:"role"`
	Type            NodeType                    `gorm:"size:16;not null" json:"type"`
	Content         string                      `gorm:"type:text;not null" json:"content"`
	Options         datatypes.JSONSlice[string] `gorm:"type:text" json:"options,omitempty"`
	SelectionMethod SelectionMethod             `gorm:"size:16" json:"selection_method,omitempty"`
	RawResponse     datatypes.JSON              `gorm:"type:text" json:"-"`
	CreatedAt       time.Time                   `gorm:"index:idx_nodes_session_created,priority:2" json:"created_at"`
}

// IsRoot reports whether n is the opening question of its session.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// CheckChild enforces the tree shape: a question is followed by an answer, an
// answer by a question or a final prompt, and a final prompt by nothing.
func CheckChild(parent *Node, child *Node) error {
	if parent == nil {
		if child.Type != NodeQuestion {
			return apperr.Validation("root node must be a question, got %s", child.Type)
		}
		return nil
	}
	if parent.SessionID != child.SessionID {
		return apperr.Conflict("parent %s belongs to another session", parent.ID)
	}
	switch parent.Type {
	case NodeQuestion:
		if child.Type != NodeAnswer {
			return apperr.Validation("question %s can only be followed by an answer", parent.ID)
		}
	case NodeAnswer:
		if child.Type != NodeQuestion && child.Type != NodeFinalPrompt {
			return apperr.Validation("answer %s can only be followed by a question or final prompt", parent.ID)
		}
	case NodeFinalPrompt:
		return apperr.Conflict("final prompt %s cannot have children", parent.ID)
	}
	return nil
}
