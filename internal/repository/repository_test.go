package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"promptly/internal/apperr"
	"promptly/internal/model"
	"promptly/internal/platform/sqlite"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := sqlite.New(context.Background(), sqlite.MemoryDSN)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newSession(maxQuestions int) *model.Session {
	return &model.Session{
		ID:            uuid.NewString(),
		OwnerID:       7,
		Title:         "story",
		StarterPrompt: "Help me write a story",
		MaxQuestions:  maxQuestions,
		TargetModel:   "gpt-4",
		Settings:      model.SessionSettings{Tone: model.ToneFriendly, WordLimit: 150},
		Status:        model.SessionActive,
	}
}

func newNode(sessionID string, parent *model.Node, typ model.NodeType) *model.Node {
	node := &model.Node{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Type:      typ,
		Content:   string(typ),
		CreatedAt: time.Now(),
	}
	if typ == model.NodeAnswer {
		node.Role = model.RoleUser
	}
	if parent != nil {
		id := parent.ID
		node.ParentID = &id
	}
	return node
}

func TestSessionRepositoryIncrementStopsAtLimit(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	session := newSession(2)
	require.NoError(t, repo.Create(ctx, session))

	for want := 1; want <= 2; want++ {
		got, err := repo.IncrementQuestionCount(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.QuestionCount)
	}

	_, err := repo.IncrementQuestionCount(ctx, session.ID)
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)

	stored, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.QuestionCount)
}

func TestSessionRepositoryTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	session := newSession(3)
	require.NoError(t, repo.Create(ctx, session))

	_, err := repo.Transition(ctx, session.ID, model.SessionActive)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	done, err := repo.Transition(ctx, session.ID, model.SessionCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, done.Status)

	_, err = repo.Transition(ctx, session.ID, model.SessionCancelled)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = repo.IncrementQuestionCount(ctx, session.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = repo.Transition(ctx, "missing", model.SessionCancelled)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSessionRepositoryRoundTripsSettings(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	session := newSession(3)
	session.Settings.ContextSources = []string{"file-1", "file-2"}
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1", "file-2"}, []string(got.Settings.ContextSources))
	assert.Equal(t, model.ToneFriendly, got.Settings.Tone)
}

func TestNodeRepositoryAppendEnforcesTree(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sessions := NewSessionRepository(db)
	nodes := NewNodeRepository(db)

	session := newSession(3)
	other := newSession(3)
	require.NoError(t, sessions.Create(ctx, session))
	require.NoError(t, sessions.Create(ctx, other))

	root := newNode(session.ID, nil, model.NodeQuestion)
	require.NoError(t, nodes.Append(ctx, root))

	t.Run("second root", func(t *testing.T) {
		err := nodes.Append(ctx, newNode(session.ID, nil, model.NodeQuestion))
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})
	t.Run("duplicate id", func(t *testing.T) {
		dup := *root
		dup.Seq = 0
		dup.SessionID = other.ID
		err := nodes.Append(ctx, &dup)
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})
	t.Run("parent in another session", func(t *testing.T) {
		err := nodes.Append(ctx, newNode(other.ID, root, model.NodeAnswer))
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})
	t.Run("question after question", func(t *testing.T) {
		err := nodes.Append(ctx, newNode(session.ID, root, model.NodeQuestion))
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	answer := newNode(session.ID, root, model.NodeAnswer)
	require.NoError(t, nodes.Append(ctx, answer))

	t.Run("second answer to same question", func(t *testing.T) {
		err := nodes.Append(ctx, newNode(session.ID, root, model.NodeAnswer))
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	final := newNode(session.ID, answer, model.NodeFinalPrompt)
	require.NoError(t, nodes.Append(ctx, final))

	t.Run("child of final prompt", func(t *testing.T) {
		err := nodes.Append(ctx, newNode(session.ID, final, model.NodeQuestion))
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	children, err := nodes.ChildrenOf(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, answer.ID, children[0].ID)

	_, err = nodes.GetNode(ctx, other.ID, root.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestNodeRepositoryConcurrentAnswersOneWins(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewDBStore(db)
	session := newSession(3)
	require.NoError(t, store.Sessions().Create(ctx, session))
	root := newNode(session.ID, nil, model.NodeQuestion)
	require.NoError(t, store.Nodes().Append(ctx, root))

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Transaction(ctx, func(tx Store) error {
				return tx.Nodes().Append(ctx, newNode(session.ID, root, model.NodeAnswer))
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	children, err := store.Nodes().ChildrenOf(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestNodeRepositoryListBySessionPagesInOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, NewSessionRepository(db).Create(ctx, newSession(20)))
	session := newSession(20)
	require.NoError(t, NewSessionRepository(db).Create(ctx, session))

	nodes := NewNodeRepository(db)
	nodes.pageSize = 2

	var want []string
	var parent *model.Node
	for i := 0; i < 5; i++ {
		typ := model.NodeQuestion
		if i%2 == 1 {
			typ = model.NodeAnswer
		}
		node := newNode(session.ID, parent, typ)
		node.Content = fmt.Sprintf("turn %d", i)
		require.NoError(t, nodes.Append(ctx, node))
		want = append(want, node.ID)
		parent = node
	}

	seq := nodes.ListBySession(ctx, session.ID)
	for range 2 {
		got, err := Collect(seq)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, n := range got {
			ids = append(ids, n.ID)
		}
		assert.Equal(t, want, ids)
	}

	for node, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, want[0], node.ID)
		break
	}
}

func TestDBStoreTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewDBStore(newTestDB(t))
	session := newSession(3)

	err := store.Transaction(ctx, func(tx Store) error {
		if err := tx.Sessions().Create(ctx, session); err != nil {
			return err
		}
		if err := tx.Nodes().Append(ctx, newNode(session.ID, nil, model.NodeQuestion)); err != nil {
			return err
		}
		return apperr.InvalidState("abort")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = store.Sessions().Get(ctx, session.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	nodes, err := Collect(store.Nodes().ListBySession(ctx, session.ID))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSessionRepositoryAddContextSource(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	session := newSession(3)
	for i := range model.MaxContextSources - 1 {
		session.Settings.ContextSources = append(session.Settings.ContextSources, fmt.Sprintf("file-%d", i))
	}
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.AddContextSource(ctx, session.ID, "last")
	require.NoError(t, err)
	assert.Len(t, got.Settings.ContextSources, model.MaxContextSources)
	assert.Equal(t, "last", got.Settings.ContextSources[model.MaxContextSources-1])
	assert.Equal(t, model.MaxContextSources, got.ContextSourceCount)

	_, err = repo.AddContextSource(ctx, session.ID, "one-too-many")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	closed := newSession(3)
	require.NoError(t, repo.Create(ctx, closed))
	_, err = repo.Transition(ctx, closed.ID, model.SessionCompleted)
	require.NoError(t, err)
	_, err = repo.AddContextSource(ctx, closed.ID, "late")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = repo.AddContextSource(ctx, "missing", "file")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSessionRepositoryConcurrentContextSourcesAllLand(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestDB(t))
	session := newSession(3)
	require.NoError(t, repo.Create(ctx, session))

	// Each lost compare-and-swap means another racer landed, so fewer racers
	// than attempts always finish.
	const racers = contextSourceAttempts - 1
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = repo.AddContextSource(ctx, session.ID, fmt.Sprintf("file-%d", i))
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"file-0", "file-1", "file-2", "file-3"}, []string(got.Settings.ContextSources))
	assert.Equal(t, racers, got.ContextSourceCount)
}

func TestContextFileRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewContextFileRepository(newTestDB(t), func(sessionID, fileID string) string {
		return "/s/" + sessionID + "/f/" + fileID
	})
	file := &model.ContextFile{
		ID:          uuid.NewString(),
		SessionID:   "s1",
		Filename:    "brief.md",
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte("# Brief"),
	}

	url, err := repo.Upload(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, "/s/s1/f/"+file.ID, url)
	assert.Equal(t, int64(7), file.Size)

	_, err = repo.Upload(ctx, file)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := repo.Open(ctx, "s1", file.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("# Brief"), got.Data)
	assert.Equal(t, "brief.md", got.Filename)

	_, err = repo.Open(ctx, "s2", file.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, file.ID))
	_, err = repo.Open(ctx, "s1", file.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
