package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"promptly/internal/ai"
	"promptly/internal/model"
	"promptly/internal/platform/sqlite"
	"promptly/internal/repository"
	"promptly/internal/repository/memory"
)

type scriptedReply struct {
	result ai.Result
	err    error
	before func()
}

func askQuestion(text string, method string, options ...string) scriptedReply {
	return scriptedReply{result: ai.Result{
		Step: ai.QuestionStep{Question: text, Options: options, SelectionMethod: method},
		Raw:  json.RawMessage(`{"scripted":"question"}`),
	}}
}

func giveFinal(text string) scriptedReply {
	return scriptedReply{result: ai.Result{
		Step: ai.FinalStep{FinalPrompt: text},
		Raw:  json.RawMessage(`{"scripted":"final"}`),
	}}
}

func failWith(err error) scriptedReply {
	return scriptedReply{err: err}
}

// scriptedAI replays queued replies, then falls back to fallback.
type scriptedAI struct {
	mu       sync.Mutex
	queue    []scriptedReply
	fallback func(req ai.Request) scriptedReply
	requests []ai.Request
}

func newScriptedAI(replies ...scriptedReply) *scriptedAI {
	return &scriptedAI{queue: replies}
}

func (s *scriptedAI) Next(_ context.Context, req ai.Request) (ai.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var reply scriptedReply
	switch {
	case len(s.queue) > 0:
		reply = s.queue[0]
		s.queue = s.queue[1:]
	case s.fallback != nil:
		reply = s.fallback(req)
	default:
		reply = askQuestion("Anything else?", ai.SelectionCustom)
	}
	s.mu.Unlock()

	if reply.before != nil {
		reply.before()
	}
	if reply.err != nil {
		return ai.Result{}, reply.err
	}
	return reply.result, nil
}

func (s *scriptedAI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedAI) lastRequest() ai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type storeFactory func(t *testing.T) repository.Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) repository.Store {
			return memory.NewStore()
		},
		"sqlite": func(t *testing.T) repository.Store {
			t.Helper()
			db, err := sqlite.New(context.Background(), sqlite.MemoryDSN)
			require.NoError(t, err)
			require.NoError(t, repository.AutoMigrate(db))
			t.Cleanup(func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			})
			return repository.NewDBStore(db)
		},
	}
}

// forEachStore runs fn once per Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store repository.Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

const owner uint = 7

func newTestOrchestrator(store repository.Store, generator StepGenerator, publisher EventPublisher) *Orchestrator {
	o := NewOrchestrator(store, generator, nil, publisher)
	var n atomic.Int64
	o.newID = func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
	return o
}

func storyInput(maxQuestions int) CreateSessionInput {
	return CreateSessionInput{
		OwnerID:       owner,
		StarterPrompt: "Help me write a story",
		MaxQuestions:  &maxQuestions,
		TargetModel:   "gpt-4",
	}
}

func intPtr(n int) *int { return &n }

func mustCreate(t *testing.T, o *Orchestrator, input CreateSessionInput) (*model.Session, *model.Node) {
	t.Helper()
	session, root, err := o.CreateSession(context.Background(), input)
	require.NoError(t, err)
	return session, root
}

func nodesOf(t *testing.T, store repository.Store, sessionID string) []model.Node {
	t.Helper()
	nodes, err := repository.Collect(store.Nodes().ListBySession(context.Background(), sessionID))
	require.NoError(t, err)
	return nodes
}
