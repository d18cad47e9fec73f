package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// MemoryStore is the in-memory SessionStore + EventStore. Used when the
// database is disabled and throughout the test suite.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	events   map[string][]events.Event // session id → events, event_id ascending
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		events:   make(map[string][]events.Event),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errkind.Newf(errkind.KindNotFound, "session %s not found", id)
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit, offset int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]models.Session, 0, len(all))
	for _, sess := range all {
		c := *sess
		c.Turns = nil
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, sessionID string, turn models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return errkind.Newf(errkind.KindNotFound, "session %s not found", sessionID)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	sess.Turns = append(sess.Turns, turn)
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errkind.Newf(errkind.KindNotFound, "session %s not found", id)
	}
	delete(s.sessions, id)
	delete(s.events, id)
	return nil
}

// Persist stores an event. Events arrive from the bus dispatcher in
// emission order, and event ids are ULID-based, so append keeps the slice
// sorted.
func (s *MemoryStore) Persist(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

func (s *MemoryStore) ListEventsSince(_ context.Context, sessionID, sinceEventID string, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[sessionID]
	out := make([]events.Event, 0, limit)
	for _, event := range stored {
		if sinceEventID != "" && event.EventID <= sinceEventID {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneSession(sess *models.Session) *models.Session {
	c := *sess
	c.Turns = make([]models.ConversationTurn, len(sess.Turns))
	copy(c.Turns, sess.Turns)
	return &c
}
