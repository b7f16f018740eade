package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"promptly/internal/ai"
	"promptly/internal/apperr"
	"promptly/internal/model"
	"promptly/internal/repository"
)

type Outcome string

const (
	OutcomeQuestion    Outcome = "question"
	OutcomeFinalPrompt Outcome = "final_prompt"
	OutcomeCancelled   Outcome = "cancelled"
)

type SubmitAnswerInput struct {
	CallerID       uint
	SessionID      string
	QuestionNodeID string
	Selected       []string
	IsCustomAnswer bool
	Cancel         bool
}

// StepResult is what a submission produced. Node is nil on cancellation.
type StepResult struct {
	Outcome Outcome
	Session *model.Session
	Answer  *model.Node
	Node    *model.Node
	// Forced is set when the question budget was spent and a final prompt
	// was required.
	Forced bool
}

// SessionView is a session with its derived loop state. PendingAnswerID is
// set when the newest node is an answer whose next step failed; pass it to
// RetryAnswer.
type SessionView struct {
	Session         *model.Session
	State           LoopState
	Leaf            *model.Node
	PendingAnswerID string
}

// Orchestrator runs the question and answer loop. The AI call happens
// outside any transaction; the unique parent link in the node store decides
// races between submissions against the same question.
type Orchestrator struct {
	store     repository.Store
	generator StepGenerator
	cache     TranscriptCache
	publisher EventPublisher
	uploader  ContextUploader
	now       func() time.Time
	newID     func() string
	// inFlight holds the ids of answers whose next step is being generated.
	inFlight sync.Map
}

// NewOrchestrator wires the loop. cache and publisher may be nil.
func NewOrchestrator(store repository.Store, generator StepGenerator, cache TranscriptCache, publisher EventPublisher) *Orchestrator {
	return &Orchestrator{
		store:     store,
		generator: generator,
		cache:     cache,
		publisher: publisher,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithContextUploader enables AttachContext and ContextFile.
func (o *Orchestrator) WithContextUploader(uploader ContextUploader) *Orchestrator {
	o.uploader = uploader
	return o
}

func (o *Orchestrator) planner() planner {
	return planner{now: o.now().UTC(), newID: o.newID}
}

func (o *Orchestrator) sessions(s repository.Store) *SessionManager {
	m := NewSessionManager(s.Sessions())
	m.now = o.now
	m.newID = o.newID
	return m
}

// CreateSession validates input, asks for the opening question and stores
// the session with its root question. Nothing is stored if the AI call fails.
func (o *Orchestrator) CreateSession(ctx context.Context, input CreateSessionInput) (*model.Session, *model.Node, error) {
	id, createdAt := o.newID(), o.now().UTC()
	draft, err := NewSession(input, id, createdAt)
	if err != nil {
		return nil, nil, err
	}

	result, err := o.generator.Next(ctx, ai.Request{
		StarterPrompt: draft.StarterPrompt,
		Tone:          string(draft.Settings.Tone),
		WordLimit:     draft.Settings.WordLimit,
		TargetModel:   draft.TargetModel,
		Mode:          ai.ModeFirstQuestion,
	})
	if err != nil {
		return nil, nil, err
	}
	change, err := o.planner().planRoot(draft, result)
	if err != nil {
		return nil, nil, err
	}

	var session *model.Session
	err = o.store.Transaction(ctx, func(tx repository.Store) error {
		manager := o.sessions(tx)
		manager.newID = func() string { return id }
		manager.now = func() time.Time { return createdAt }
		created, err := manager.CreateSession(ctx, input)
		if err != nil {
			return err
		}
		session, err = o.apply(ctx, tx, created, &change)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	o.publish(ctx, change.Events)
	log.Info().Str("session_id", session.ID).Uint("owner_id", session.OwnerID).Int("max_questions", session.MaxQuestions).Msg("session created")
	root := change.Append[0]
	return session, &root, nil
}

// SubmitAnswer records an answer to an open question and produces the next
// step. If the answer is stored but the AI step fails, the error is a
// *PendingAnswerError carrying the answer node id for RetryAnswer.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, input SubmitAnswerInput) (*StepResult, error) {
	session, err := o.activeSession(ctx, input.SessionID, input.CallerID)
	if err != nil {
		return nil, err
	}
	question, err := o.store.Nodes().GetNode(ctx, session.ID, input.QuestionNodeID)
	if err != nil {
		return nil, err
	}
	if question.Type != model.NodeQuestion {
		return nil, apperr.Validation("node %s is a %s, not a question", question.ID, question.Type)
	}
	if err := o.assertNoChild(ctx, question); err != nil {
		return nil, err
	}

	p := o.planner()
	if input.Cancel {
		return o.cancel(ctx, session, p.planCancel(session))
	}

	change, err := p.planAnswer(session, question, input.Selected, input.IsCustomAnswer)
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, session.ID)
	err = o.store.Transaction(ctx, func(tx repository.Store) error {
		current, err := tx.Sessions().Get(ctx, session.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return apperr.InvalidState("session %s is %s", session.ID, current.Status)
		}
		_, err = o.apply(ctx, tx, current, &change)
		return err
	})
	o.dropCached(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, change.Events)

	answer := change.Append[0]
	return o.reply(ctx, session.ID, &answer)
}

// RetryAnswer produces the next step for an answer whose earlier attempt failed.
func (o *Orchestrator) RetryAnswer(ctx context.Context, callerID uint, sessionID, answerNodeID string) (*StepResult, error) {
	session, err := o.activeSession(ctx, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	answer, err := o.store.Nodes().GetNode(ctx, session.ID, answerNodeID)
	if err != nil {
		return nil, err
	}
	if answer.Type != model.NodeAnswer {
		return nil, apperr.Validation("node %s is a %s, not an answer", answer.ID, answer.Type)
	}
	if err := o.assertNoChild(ctx, answer); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", session.ID).Str("answer_id", answer.ID).Msg("retrying pending answer")
	return o.reply(ctx, session.ID, answer)
}

func (o *Orchestrator) CancelSession(ctx context.Context, callerID uint, sessionID string) (*model.Session, error) {
	session, err := o.activeSession(ctx, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	result, err := o.cancel(ctx, session, o.planner().planCancel(session))
	if err != nil {
		return nil, err
	}
	return result.Session, nil
}

func (o *Orchestrator) GetSession(ctx context.Context, callerID uint, sessionID string) (*SessionView, error) {
	session, err := o.sessions(o.store).AssertOwnership(ctx, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	nodes, err := o.loadTranscript(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	var (
		leaf     *model.Node
		inFlight bool
	)
	if len(nodes) > 0 {
		leaf = &nodes[len(nodes)-1]
		_, inFlight = o.inFlight.Load(leaf.ID)
	}
	return &SessionView{
		Session:         session,
		State:           DeriveState(session, leaf, inFlight),
		Leaf:            leaf,
		PendingAnswerID: PendingAnswerID(session, leaf, inFlight),
	}, nil
}

// Transcript lists the session's nodes in creation order.
func (o *Orchestrator) Transcript(ctx context.Context, callerID uint, sessionID string) ([]model.Node, error) {
	if _, err := o.sessions(o.store).AssertOwnership(ctx, sessionID, callerID); err != nil {
		return nil, err
	}
	return o.loadTranscript(ctx, sessionID)
}

// reply asks for the step after answer and commits it. No lock or
// transaction is held during the AI call. The transcript is read from the
// store, never from the cache.
func (o *Orchestrator) reply(ctx context.Context, sessionID string, answer *model.Node) (*StepResult, error) {
	o.inFlight.Store(answer.ID, struct{}{})
	defer o.inFlight.Delete(answer.ID)

	session, err := o.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := repository.Collect(o.store.Nodes().ListBySession(ctx, sessionID))
	if err != nil {
		return nil, err
	}

	forced := session.QuestionBudgetExhausted()
	mode := ai.ModeOpen
	if forced {
		mode = ai.ModeFinalize
	}
	result, err := o.generator.Next(ctx, ai.Request{
		StarterPrompt: session.StarterPrompt,
		Turns:         turns(transcript),
		Tone:          string(session.Settings.Tone),
		WordLimit:     session.Settings.WordLimit,
		TargetModel:   session.TargetModel,
		Mode:          mode,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("answer_id", answer.ID).Msg("next step failed, answer kept")
		return nil, &PendingAnswerError{AnswerNodeID: answer.ID, Err: err}
	}
	if _, isQuestion := result.Step.(ai.QuestionStep); isQuestion && forced {
		log.Warn().Str("session_id", sessionID).Msg("question returned after budget was spent, finalizing from transcript")
	}

	change, err := o.planner().planReply(session, answer, transcript, result, forced)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("answer_id", answer.ID).Msg("next step unusable, answer kept")
		return nil, &PendingAnswerError{AnswerNodeID: answer.ID, Err: err}
	}

	o.invalidate(ctx, sessionID)
	err = o.store.Transaction(ctx, func(tx repository.Store) error {
		current, err := tx.Sessions().Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return apperr.InvalidState("session %s became %s while waiting for the next step", sessionID, current.Status)
		}
		updated, err := o.apply(ctx, tx, current, &change)
		if err != nil {
			return err
		}
		session = updated
		return nil
	})
	o.dropCached(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, change.Events)

	node := change.Append[0]
	outcome := OutcomeQuestion
	if node.Type == model.NodeFinalPrompt {
		outcome = OutcomeFinalPrompt
		log.Info().Str("session_id", sessionID).Bool("forced", forced).Msg("session completed")
	}
	return &StepResult{Outcome: outcome, Session: session, Answer: answer, Node: &node, Forced: forced}, nil
}

func (o *Orchestrator) cancel(ctx context.Context, session *model.Session, change Change) (*StepResult, error) {
	var cancelled *model.Session
	err := o.store.Transaction(ctx, func(tx repository.Store) error {
		updated, err := o.apply(ctx, tx, session, &change)
		if err != nil {
			return err
		}
		cancelled = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, change.Events)
	log.Info().Str("session_id", session.ID).Msg("session cancelled")
	return &StepResult{Outcome: OutcomeCancelled, Session: cancelled}, nil
}

// apply writes a planned change inside tx: nodes first, then the question
// count, then the status.
func (o *Orchestrator) apply(ctx context.Context, tx repository.Store, session *model.Session, change *Change) (*model.Session, error) {
	for i := range change.Append {
		if err := tx.Nodes().Append(ctx, &change.Append[i]); err != nil {
			return nil, err
		}
	}
	manager := o.sessions(tx)
	var err error
	if change.CountQuestion {
		if session, err = manager.IncrementQuestionCount(ctx, session.ID); err != nil {
			return nil, err
		}
	}
	if change.Status != "" {
		if session, err = manager.Transition(ctx, session.ID, change.Status); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// activeSession checks existence, then ownership, then that the session is
// still open.
func (o *Orchestrator) activeSession(ctx context.Context, sessionID string, callerID uint) (*model.Session, error) {
	session, err := o.sessions(o.store).AssertOwnership(ctx, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, apperr.InvalidState("session %s is %s", session.ID, session.Status)
	}
	return session, nil
}

func (o *Orchestrator) assertNoChild(ctx context.Context, node *model.Node) error {
	children, err := o.store.Nodes().ChildrenOf(ctx, node.ID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return apperr.Conflict("node %s was already answered by %s", node.ID, children[0].ID)
	}
	return nil
}

// loadTranscript serves reads from the cache when it is clean. A miss is
// filled with the store's copy only if no write happened since the version
// read before the store was queried.
func (o *Orchestrator) loadTranscript(ctx context.Context, sessionID string) ([]model.Node, error) {
	var (
		version int64
		fill    bool
	)
	if o.cache != nil {
		dirty, err := o.cache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := o.cache.GetTranscript(ctx, sessionID); cacheErr == nil && hit {
				return cached, nil
			}
		}
		if v, err := o.cache.Version(ctx, sessionID); err == nil {
			version, fill = v, true
		}
	}

	nodes, err := repository.Collect(o.store.Nodes().ListBySession(ctx, sessionID))
	if err != nil {
		return nil, err
	}
	if fill {
		if _, err := o.cache.SetTranscript(ctx, sessionID, nodes, version); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("fill transcript cache failed")
		}
	}
	return nodes, nil
}

func (o *Orchestrator) invalidate(ctx context.Context, sessionID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.MarkDirty(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("mark transcript dirty failed")
	}
	o.dropCached(ctx, sessionID)
}

func (o *Orchestrator) dropCached(ctx context.Context, sessionID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.DeleteTranscript(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("drop cached transcript failed")
	}
}

func (o *Orchestrator) publish(ctx context.Context, events []model.Event) {
	if o.publisher == nil {
		return
	}
	for _, event := range events {
		if err := o.publisher.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("session_id", event.SessionID).Str("event", string(event.Type)).Msg("publish event failed")
		}
	}
}
