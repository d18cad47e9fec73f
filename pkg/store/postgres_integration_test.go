//go:build integration

package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// connString returns a connection string to the shared test database: an
// external one in CI, or a package-shared testcontainer locally.
func connString(t *testing.T) string {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})

	require.NoError(t, containerErr, "failed to start postgres container")
	return sharedConnStr
}

func setupStore(t *testing.T) *PostgresStore {
	ctx := context.Background()
	s, err := NewPostgresStoreDSN(ctx, connString(t), "test", "replica-test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, s.AppendTurn(ctx, sess.ID, models.ConversationTurn{
		Role: models.RoleUser,
		Text: "hello",
	}))
	require.NoError(t, s.AppendTurn(ctx, sess.ID, models.ConversationTurn{
		Role:    models.RoleAssistant,
		Text:    "hi there",
		Sources: []models.Source{{Store: "docs", DocumentID: "d1", Score: 0.5}},
	}))

	loaded, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 2)
	assert.Equal(t, "hello", loaded.Turns[0].Text)
	require.Len(t, loaded.Turns[1].Sources, 1)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestPostgresStore_TurnOnMissingSession(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	err := s.AppendTurn(ctx, "missing", models.ConversationTurn{Role: models.RoleUser, Text: "x"})
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestPostgresStore_EventsCatchup(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 4; i++ {
		event := events.New(sess.ID, "task-1", events.TypeProgress, events.StageExecuting, events.AgentRef{Name: "manager"})
		ids = append(ids, event.EventID)
		require.NoError(t, s.Persist(ctx, event))
	}

	all, err := s.ListEventsSince(ctx, sess.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, event := range all {
		assert.Equal(t, ids[i], event.EventID)
	}

	tail, err := s.ListEventsSince(ctx, sess.ID, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[2], tail[0].EventID)
}

func TestPostgresStore_PersistIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)

	event := events.New(sess.ID, "task-1", events.TypeStatus, events.StageInit, events.AgentRef{})
	require.NoError(t, s.Persist(ctx, event))
	require.NoError(t, s.Persist(ctx, event))

	all, err := s.ListEventsSince(ctx, sess.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNotifyListener_CrossReplicaDelivery(t *testing.T) {
	ctx := context.Background()

	// Replica A persists; replica B's listener delivers into B's bus.
	storeA, err := NewPostgresStoreDSN(ctx, connString(t), "test", "replica-a", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeA.Close() })

	busB := events.NewBus(nil, 16)
	t.Cleanup(busB.Stop)

	listener := events.NewNotifyListener(connString(t), "replica-b", busB, storeA)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })

	sess, err := storeA.CreateSession(ctx)
	require.NoError(t, err)

	sub := busB.Subscribe(sess.ID)
	defer sub.Close()

	event := events.New(sess.ID, "task-1", events.TypeStatus, events.StageRetrieval, events.AgentRef{Name: "retrieval"})
	require.NoError(t, storeA.Persist(ctx, event))

	select {
	case got := <-sub.Events():
		assert.Equal(t, event.EventID, got.EventID)
	case <-time.After(10 * time.Second):
		t.Fatal("event never crossed replicas")
	}
}
