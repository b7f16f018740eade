package repository

import (
	"context"
	"iter"

	"gorm.io/gorm"

	"promptly/internal/model"
)

// SessionStore persists sessions. Status, question_count and the context
// source list only change through the guarded IncrementQuestionCount,
// Transition and AddContextSource updates.
type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	IncrementQuestionCount(ctx context.Context, sessionID string) (*model.Session, error)
	Transition(ctx context.Context, sessionID string, to model.SessionStatus) (*model.Session, error)
	AddContextSource(ctx context.Context, sessionID, fileID string) (*model.Session, error)
}

// NodeStore persists the append-only decision tree of each session.
type NodeStore interface {
	Append(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, sessionID, nodeID string) (*model.Node, error)
	ListBySession(ctx context.Context, sessionID string) iter.Seq2[model.Node, error]
	ChildrenOf(ctx context.Context, nodeID string) ([]model.Node, error)
}

// Store groups the session and node stores so they can share a transaction.
type Store interface {
	Sessions() SessionStore
	Nodes() NodeStore
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// Collect drains a node sequence into a slice.
func Collect(seq iter.Seq2[model.Node, error]) ([]model.Node, error) {
	var nodes []model.Node
	for node, err := range seq {
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// DBStore is the GORM backed Store.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Sessions() SessionStore {
	return NewSessionRepository(s.db)
}

func (s *DBStore) Nodes() NodeStore {
	return NewNodeRepository(s.db)
}

func (s *DBStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewDBStore(tx))
	})
}
