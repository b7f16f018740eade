package app

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"

	"promptly/internal/ai"
	"promptly/internal/apperr"
	"promptly/internal/model"
)

// LoopState is where a session stands in the question and answer loop.
type LoopState string

const (
	StateAwaitingAnswer   LoopState = "awaiting_answer"
	StateAwaitingDecision LoopState = "awaiting_decision"
	StateCompleted        LoopState = "completed"
	StateCancelled        LoopState = "cancelled"
)

// DeriveState reads the loop state off the session status and the newest
// node. An answer leaf is awaiting_decision only while its next step is being
// generated. Once that attempt has failed the session is back to waiting on
// the caller, who retries with PendingAnswerID.
func DeriveState(session *model.Session, leaf *model.Node, stepInFlight bool) LoopState {
	switch session.Status {
	case model.SessionCompleted:
		return StateCompleted
	case model.SessionCancelled:
		return StateCancelled
	}
	if leaf != nil && leaf.Type == model.NodeAnswer && stepInFlight {
		return StateAwaitingDecision
	}
	return StateAwaitingAnswer
}

// PendingAnswerID is the retry token of an open session: the id of an answer
// leaf whose next step failed. It is empty otherwise.
func PendingAnswerID(session *model.Session, leaf *model.Node, stepInFlight bool) string {
	if session.Status.Terminal() || leaf == nil || leaf.Type != model.NodeAnswer || stepInFlight {
		return ""
	}
	return leaf.ID
}

// Change is everything one transition writes, computed before any write happens.
type Change struct {
	Append        []model.Node
	CountQuestion bool
	Status        model.SessionStatus
	Events        []model.Event
}

type planner struct {
	now   time.Time
	newID func() string
}

func (p planner) node(session *model.Session, parentID string, role model.NodeRole, typ model.NodeType, content string) model.Node {
	node := model.Node{
		ID:        p.newID(),
		SessionID: session.ID,
		Role:      role,
		Type:      typ,
		Content:   content,
		CreatedAt: p.now,
	}
	if parentID != "" {
		node.ParentID = &parentID
	}
	return node
}

func (p planner) appended(node model.Node) model.Event {
	return model.Event{
		Type:      model.EventNodeAppended,
		SessionID: node.SessionID,
		NodeID:    node.ID,
		NodeType:  node.Type,
		At:        p.now,
	}
}

func (p planner) transitioned(session *model.Session, to model.SessionStatus) model.Event {
	return model.Event{
		Type:      model.EventSessionTransitioned,
		SessionID: session.ID,
		Status:    to,
		At:        p.now,
	}
}

// planRoot turns the first AI reply into the root question. A final prompt
// at this point is not a usable reply.
func (p planner) planRoot(session *model.Session, result ai.Result) (Change, error) {
	q, ok := result.Step.(ai.QuestionStep)
	if !ok {
		return Change{}, ai.Malformed("first reply must be a question")
	}
	root, err := p.question(session, "", q, result.Raw)
	if err != nil {
		return Change{}, err
	}
	return Change{
		Append:        []model.Node{root},
		CountQuestion: true,
		Events:        []model.Event{p.appended(root)},
	}, nil
}

func (p planner) question(session *model.Session, parentID string, q ai.QuestionStep, raw json.RawMessage) (model.Node, error) {
	method := model.SelectionMethod(q.SelectionMethod)
	if !method.Valid() {
		return model.Node{}, ai.Malformed("unknown selection method " + q.SelectionMethod)
	}
	node := p.node(session, parentID, model.RoleAssistant, model.NodeQuestion, clipContent(q.Question))
	node.Options = q.Options
	node.SelectionMethod = method
	node.RawResponse = datatypes.JSON(raw)
	return node, nil
}

func (p planner) planCancel(session *model.Session) Change {
	return Change{
		Status: model.SessionCancelled,
		Events: []model.Event{p.transitioned(session, model.SessionCancelled)},
	}
}

// planAnswer validates the selection against the question before anything is
// written.
func (p planner) planAnswer(session *model.Session, question *model.Node, selected []string, isCustom bool) (Change, error) {
	values, err := validateSelection(question, selected, isCustom)
	if err != nil {
		return Change{}, err
	}
	answer := p.node(session, question.ID, model.RoleUser, model.NodeAnswer, strings.Join(values, ", "))
	return Change{
		Append: []model.Node{answer},
		Events: []model.Event{p.appended(answer)},
	}, nil
}

func validateSelection(question *model.Node, selected []string, isCustom bool) ([]string, error) {
	if len(selected) == 0 {
		return nil, apperr.Validation("selected must not be empty")
	}
	values := make([]string, 0, len(selected))
	for _, v := range selected {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, apperr.Validation("selected values must not be blank")
		}
		if slices.Contains(values, v) {
			return nil, apperr.Validation("value %q selected twice", v)
		}
		values = append(values, v)
	}

	if isCustom {
		if len(values) != 1 {
			return nil, apperr.Validation("a custom answer is a single free-text value")
		}
		if utf8.RuneCountInString(values[0]) > model.MaxNodeContentLength {
			return nil, apperr.Validation("answer is longer than %d characters", model.MaxNodeContentLength)
		}
		return values, nil
	}

	if question.SelectionMethod == model.SelectCustom || len(question.Options) == 0 {
		return nil, apperr.Validation("question %s expects a free-text answer", question.ID)
	}
	if len(values) > 1 && question.SelectionMethod != model.SelectMulti {
		return nil, apperr.Validation("question %s allows a single selection", question.ID)
	}
	for _, v := range values {
		if !slices.Contains(question.Options, v) {
			return nil, apperr.Validation("%q is not an option of question %s", v, question.ID)
		}
	}
	return values, nil
}

// planReply applies the stop condition to the AI reply for answer. When
// forced, a question reply is replaced by a final prompt assembled from the
// transcript, so the session always completes.
func (p planner) planReply(session *model.Session, answer *model.Node, transcript []model.Node, result ai.Result, forced bool) (Change, error) {
	var final string
	switch step := result.Step.(type) {
	case ai.QuestionStep:
		if !forced {
			q, err := p.question(session, answer.ID, step, result.Raw)
			if err != nil {
				return Change{}, err
			}
			return Change{
				Append:        []model.Node{q},
				CountQuestion: true,
				Events:        []model.Event{p.appended(q)},
			}, nil
		}
		final = fallbackPrompt(session, transcript)
	case ai.FinalStep:
		final = step.FinalPrompt
	}

	node := p.node(session, answer.ID, model.RoleAssistant, model.NodeFinalPrompt, clipContent(final))
	node.RawResponse = datatypes.JSON(result.Raw)
	return Change{
		Append: []model.Node{node},
		Status: model.SessionCompleted,
		Events: []model.Event{p.appended(node), p.transitioned(session, model.SessionCompleted)},
	}, nil
}

// fallbackPrompt is the starter prompt followed by every answered question.
func fallbackPrompt(session *model.Session, transcript []model.Node) string {
	questions := make(map[string]model.Node)
	var b strings.Builder
	b.WriteString(session.StarterPrompt)
	header := false
	for _, n := range transcript {
		switch n.Type {
		case model.NodeQuestion:
			questions[n.ID] = n
		case model.NodeAnswer:
			if n.IsRoot() {
				continue
			}
			q, ok := questions[*n.ParentID]
			if !ok {
				continue
			}
			if !header {
				b.WriteString("\n\nClarifications:")
				header = true
			}
			fmt.Fprintf(&b, "\n- %s %s", q.Content, n.Content)
		}
	}
	return b.String()
}

func clipContent(s string) string {
	r := []rune(s)
	if len(r) <= model.MaxNodeContentLength {
		return s
	}
	return string(r[:model.MaxNodeContentLength])
}

// turns renders stored nodes as AI conversation turns.
func turns(nodes []model.Node) []ai.Turn {
	out := make([]ai.Turn, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, ai.Turn{
			Role:    string(n.Role),
			Type:    string(n.Type),
			Content: n.Content,
			Options: n.Options,
		})
	}
	return out
}
