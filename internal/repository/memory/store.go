// Package memory is an in-process arena Store. Nodes are indexed by id and
// refer to their parent by id only.
package memory

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"promptly/internal/apperr"
	"promptly/internal/model"
	"promptly/internal/repository"
)

type arena struct {
	mu        sync.RWMutex
	seq       uint
	sessions  map[string]model.Session
	nodes     map[string]model.Node
	bySession map[string][]string
	// child maps a parent id to its only child, the in-memory twin of the
	// unique parent_id index.
	child map[string]string
}

type snapshot struct {
	seq       uint
	sessions  map[string]model.Session
	nodes     map[string]model.Node
	bySession map[string][]string
	child     map[string]string
}

func (a *arena) snapshot() snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bySession := make(map[string][]string, len(a.bySession))
	for k, v := range a.bySession {
		bySession[k] = slices.Clone(v)
	}
	return snapshot{
		seq:       a.seq,
		sessions:  maps.Clone(a.sessions),
		nodes:     maps.Clone(a.nodes),
		bySession: bySession,
		child:     maps.Clone(a.child),
	}
}

func (s snapshot) arena() *arena {
	return &arena{
		seq:       s.seq,
		sessions:  s.sessions,
		nodes:     s.nodes,
		bySession: s.bySession,
		child:     s.child,
	}
}

// commit swaps the staged maps in. The staged arena must not be used after.
func (a *arena) commit(staged *arena) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq = staged.seq
	a.sessions = staged.sessions
	a.nodes = staged.nodes
	a.bySession = staged.bySession
	a.child = staged.child
}

// Store serialises writers on writeMu. Inside Transaction the writer already
// holds it, so the transactional view skips the lock.
type Store struct {
	a       *arena
	writeMu *sync.Mutex
	inTx    bool
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		a: &arena{
			sessions:  make(map[string]model.Session),
			nodes:     make(map[string]model.Node),
			bySession: make(map[string][]string),
			child:     make(map[string]string),
		},
		writeMu: &sync.Mutex{},
		now:     time.Now,
	}
}

func (s *Store) Sessions() repository.SessionStore { return sessionStore{s} }

func (s *Store) Nodes() repository.NodeStore { return nodeStore{s} }

// Transaction runs fn against a staged copy of the arena and swaps it in
// only when fn succeeds, so readers outside the transaction never see its
// writes early. Nested calls join the outer transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	staged := s.a.snapshot().arena()
	tx := &Store{a: staged, writeMu: s.writeMu, inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.a.commit(staged)
	return nil
}

func (s *Store) write(fn func(a *arena) error) error {
	if !s.inTx {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	return fn(s.a)
}

func (s *Store) read(fn func(a *arena)) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()
	fn(s.a)
}

type sessionStore struct{ s *Store }

func (st sessionStore) Create(_ context.Context, session *model.Session) error {
	return st.s.write(func(a *arena) error {
		if _, exists := a.sessions[session.ID]; exists {
			return apperr.Conflict("session %s already exists", session.ID)
		}
		now := st.s.now()
		if session.CreatedAt.IsZero() {
			session.CreatedAt = now
		}
		session.UpdatedAt = now
		session.ContextSourceCount = len(session.Settings.ContextSources)
		a.sessions[session.ID] = cloneSession(*session)
		return nil
	})
}

func (st sessionStore) Get(_ context.Context, sessionID string) (*model.Session, error) {
	var (
		session model.Session
		ok      bool
	)
	st.s.read(func(a *arena) { session, ok = a.sessions[sessionID] })
	if !ok {
		return nil, apperr.NotFound("session %s", sessionID)
	}
	session = cloneSession(session)
	return &session, nil
}

func (st sessionStore) IncrementQuestionCount(_ context.Context, sessionID string) (*model.Session, error) {
	var out model.Session
	err := st.s.write(func(a *arena) error {
		session, ok := a.sessions[sessionID]
		switch {
		case !ok:
			return apperr.NotFound("session %s", sessionID)
		case session.Status.Terminal():
			return apperr.InvalidState("session %s is %s", sessionID, session.Status)
		case session.QuestionCount >= session.MaxQuestions:
			return apperr.LimitExceeded("session %s already asked %d of %d questions", sessionID, session.QuestionCount, session.MaxQuestions)
		}
		session.QuestionCount++
		session.UpdatedAt = st.s.now()
		a.sessions[sessionID] = session
		out = cloneSession(session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (st sessionStore) Transition(_ context.Context, sessionID string, to model.SessionStatus) (*model.Session, error) {
	var out model.Session
	err := st.s.write(func(a *arena) error {
		session, ok := a.sessions[sessionID]
		if !ok {
			return apperr.NotFound("session %s", sessionID)
		}
		if session.Status != model.SessionActive || !to.Terminal() {
			return apperr.InvalidState("cannot transition session %s from %s to %s", sessionID, session.Status, to)
		}
		session.Status = to
		session.UpdatedAt = st.s.now()
		a.sessions[sessionID] = session
		out = cloneSession(session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (st sessionStore) AddContextSource(_ context.Context, sessionID, fileID string) (*model.Session, error) {
	var out model.Session
	err := st.s.write(func(a *arena) error {
		session, ok := a.sessions[sessionID]
		switch {
		case !ok:
			return apperr.NotFound("session %s", sessionID)
		case session.Status.Terminal():
			return apperr.InvalidState("session %s is %s", sessionID, session.Status)
		case len(session.Settings.ContextSources) >= model.MaxContextSources:
			return apperr.Validation("session %s already has the maximum of %d context sources", sessionID, len(session.Settings.ContextSources))
		}
		session = cloneSession(session)
		session.Settings.ContextSources = append(session.Settings.ContextSources, fileID)
		session.ContextSourceCount = len(session.Settings.ContextSources)
		session.UpdatedAt = st.s.now()
		a.sessions[sessionID] = session
		out = cloneSession(session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type nodeStore struct{ s *Store }

func (ns nodeStore) Append(_ context.Context, node *model.Node) error {
	return ns.s.write(func(a *arena) error {
		if _, exists := a.nodes[node.ID]; exists {
			return apperr.Conflict("node %s already exists", node.ID)
		}

		var parent *model.Node
		if node.IsRoot() {
			for _, id := range a.bySession[node.SessionID] {
				if existing := a.nodes[id]; existing.IsRoot() {
					return apperr.Conflict("session %s already has a root node", node.SessionID)
				}
			}
		} else {
			p, ok := a.nodes[*node.ParentID]
			if !ok || p.SessionID != node.SessionID {
				return apperr.Conflict("parent %s is not a node of session %s", *node.ParentID, node.SessionID)
			}
			parent = &p
		}
		if err := model.CheckChild(parent, node); err != nil {
			return err
		}
		if parent != nil {
			if existing, taken := a.child[parent.ID]; taken {
				return apperr.Conflict("node %s already has child %s", parent.ID, existing)
			}
			a.child[parent.ID] = node.ID
		}

		a.seq++
		node.Seq = a.seq
		if node.CreatedAt.IsZero() {
			node.CreatedAt = ns.s.now()
		}
		a.nodes[node.ID] = *node
		a.bySession[node.SessionID] = append(a.bySession[node.SessionID], node.ID)
		return nil
	})
}

func (ns nodeStore) GetNode(_ context.Context, sessionID, nodeID string) (*model.Node, error) {
	var (
		node model.Node
		ok   bool
	)
	ns.s.read(func(a *arena) { node, ok = a.nodes[nodeID] })
	if !ok || node.SessionID != sessionID {
		return nil, apperr.NotFound("node %s in session %s", nodeID, sessionID)
	}
	return &node, nil
}

// ListBySession yields a copy of the session's nodes taken when iteration
// starts, so each range sees a consistent transcript.
func (ns nodeStore) ListBySession(ctx context.Context, sessionID string) iter.Seq2[model.Node, error] {
	return func(yield func(model.Node, error) bool) {
		var nodes []model.Node
		ns.s.read(func(a *arena) {
			ids := a.bySession[sessionID]
			nodes = make([]model.Node, 0, len(ids))
			for _, id := range ids {
				nodes = append(nodes, a.nodes[id])
			}
		})
		for _, node := range nodes {
			if err := ctx.Err(); err != nil {
				yield(model.Node{}, err)
				return
			}
			if !yield(node, nil) {
				return
			}
		}
	}
}

func (ns nodeStore) ChildrenOf(_ context.Context, nodeID string) ([]model.Node, error) {
	var children []model.Node
	ns.s.read(func(a *arena) {
		if id, ok := a.child[nodeID]; ok {
			children = append(children, a.nodes[id])
		}
	})
	return children, nil
}

func cloneSession(s model.Session) model.Session {
	s.Settings.ContextSources = slices.Clone(s.Settings.ContextSources)
	return s
}
