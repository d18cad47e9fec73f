// Package store persists sessions, conversation turns, and events. Two
// implementations exist: an in-memory store for single-replica and test
// deployments, and a PostgreSQL store for durable multi-replica operation.
package store

import (
	"context"

	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// SessionStore persists sessions and their conversation history.
type SessionStore interface {
	// CreateSession creates a new empty session.
	CreateSession(ctx context.Context) (*models.Session, error)

	// GetSession returns a session with its turns in chronological order.
	// Returns a not_found error for unknown ids.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ListSessions returns sessions ordered newest first, without turns.
	ListSessions(ctx context.Context, limit, offset int) ([]models.Session, error)

	// AppendTurn appends a conversation turn to a session.
	AppendTurn(ctx context.Context, sessionID string, turn models.ConversationTurn) error

	// DeleteSession removes a session, its turns, and its events.
	DeleteSession(ctx context.Context, id string) error
}

// EventStore persists events and serves catchup queries. It satisfies both
// events.Sink and events.History.
type EventStore interface {
	events.Sink
	events.History
}
