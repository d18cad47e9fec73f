package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// History replays persisted events on connect so late subscribers do not
// miss anything. Implemented by the event store.
type History interface {
	// ListEventsSince returns persisted events for a session with event_id
	// greater than sinceEventID (all events when sinceEventID is empty),
	// ordered by event_id ascending, at most limit.
	ListEventsSince(ctx context.Context, sessionID, sinceEventID string, limit int) ([]Event, error)
}

// RequestHandler processes client-initiated actions arriving over a
// WebSocket. Implemented by the orchestrator service.
type RequestHandler interface {
	// HandleUserMessage submits a user message for processing and returns the
	// task id tracking it.
	HandleUserMessage(ctx context.Context, sessionID, text string) (taskID string, err error)

	// Interrupt cancels the given task (or all active tasks of the session
	// when taskID is empty).
	Interrupt(ctx context.Context, sessionID, taskID string) error
}

// ClientMessage is the envelope for messages sent by WebSocket clients.
type ClientMessage struct {
	Action      string `json:"action"` // user_message | interrupt | catchup | ping
	Text        string `json:"text,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	LastEventID string `json:"last_event_id,omitempty"`
}

// ConnectionManager manages WebSocket connections. Each connection is bound
// to a single session at upgrade time; events for that session are pushed as
// they arrive on the bus.
type ConnectionManager struct {
	bus     *Bus
	history History // may be nil (no persistence)
	handler RequestHandler

	catchupLimit int
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*wsConn
}

type wsConn struct {
	id        string
	sessionID string
	conn      *websocket.Conn

	// writeMu serializes writes between the read-loop responses and the
	// event pump goroutine.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(bus *Bus, history History, handler RequestHandler, catchupLimit int, writeTimeout time.Duration) *ConnectionManager {
	if catchupLimit < 1 {
		catchupLimit = 200
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		bus:          bus,
		history:      history,
		handler:      handler,
		catchupLimit: catchupLimit,
		writeTimeout: writeTimeout,
	}
}

// ActiveConnections returns the number of live WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection runs the lifecycle of one WebSocket connection. Called by
// the HTTP handler after upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
		"session_id":    sessionID,
	})

	// Subscribe before catchup so no event falls in the gap. The overlap can
	// deliver an event twice; clients dedupe on event_id.
	sub := m.bus.Subscribe(sessionID)
	defer sub.Close()

	m.catchup(ctx, c, "")

	go m.pump(c, sub)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", c.id, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// pump forwards bus events to the client until the subscription or the
// connection ends.
func (m *ConnectionManager) pump(c *wsConn, sub *Subscription) {
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("Failed to marshal event",
					"event_id", event.EventID, "error", err)
				continue
			}
			if err := m.sendRaw(c, data); err != nil {
				slog.Warn("Failed to send event to WebSocket client",
					"connection_id", c.id, "error", err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *wsConn, msg *ClientMessage) {
	switch msg.Action {
	case "user_message":
		if msg.Text == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "text is required for user_message"})
			return
		}
		taskID, err := m.handler.HandleUserMessage(ctx, c.sessionID, msg.Text)
		if err != nil {
			slog.Warn("User message rejected",
				"session_id", c.sessionID, "error", err)
			m.sendJSON(c, map[string]string{"type": "message.rejected", "message": err.Error()})
			return
		}
		m.sendJSON(c, map[string]string{"type": "message.accepted", "task_id": taskID})

	case "interrupt":
		if err := m.handler.Interrupt(ctx, c.sessionID, msg.TaskID); err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": err.Error()})
			return
		}
		m.sendJSON(c, map[string]string{"type": "interrupt.accepted", "task_id": msg.TaskID})

	case "catchup":
		m.catchup(ctx, c, msg.LastEventID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// catchup replays persisted events after sinceEventID. Event ids embed a
// ULID, so ordering and "since" comparisons are plain lexical comparisons on
// event_id.
func (m *ConnectionManager) catchup(ctx context.Context, c *wsConn, sinceEventID string) {
	if m.history == nil {
		return
	}

	events, err := m.history.ListEventsSince(ctx, c.sessionID, sinceEventID, m.catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed",
			"session_id", c.sessionID, "error", err)
		return
	}

	hasMore := len(events) > m.catchupLimit
	if hasMore {
		events = events[:m.catchupLimit]
	}

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.id, "error", err)
			return
		}
	}

	// More events were missed than one catchup batch carries; tell the
	// client to reload over REST instead of paginating here.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":       "catchup.overflow",
			"session_id": c.sessionID,
			"has_more":   true,
		})
	}
}

func (m *ConnectionManager) register(c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections == nil {
		m.connections = make(map[string]*wsConn)
	}
	m.connections[c.id] = c
}

func (m *ConnectionManager) unregister(c *wsConn) {
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *wsConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
