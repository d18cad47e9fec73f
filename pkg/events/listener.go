package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyChannel is the single PostgreSQL NOTIFY channel all replicas share.
// Payloads carry the session id, so per-session LISTEN bookkeeping is not
// needed.
const NotifyChannel = "helmsman_events"

// notifyPayloadLimit keeps NOTIFY payloads under the PostgreSQL 8000-byte
// cap. Larger events are sent as a reference and re-fetched from the store.
const notifyPayloadLimit = 7500

// NotifyPayload is the JSON carried on the NOTIFY channel. When the event
// fits the payload limit it is inlined; otherwise Event is empty and the
// receiver fetches it by EventID.
type NotifyPayload struct {
	Origin    string          `json:"origin"` // replica id of the publisher
	SessionID string          `json:"session_id"`
	EventID   string          `json:"event_id"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// EncodeNotifyPayload builds the NOTIFY payload for an event, inlining it
// when it fits.
func EncodeNotifyPayload(origin string, event Event) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	p := NotifyPayload{
		Origin:    origin,
		SessionID: event.SessionID,
		EventID:   event.EventID,
	}
	if len(raw) <= notifyPayloadLimit {
		p.Event = raw
	}
	return json.Marshal(p)
}

// NotifyListener holds a dedicated PostgreSQL connection in LISTEN mode and
// re-delivers events persisted by other replicas into the local bus. Events
// originating from this replica are skipped; the local bus already fanned
// them out.
type NotifyListener struct {
	connString string
	origin     string
	bus        *Bus
	history    History

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener. origin must match the origin used
// when publishing this replica's events.
func NewNotifyListener(connString, origin string, bus *Bus, history History) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		origin:     origin,
		bus:        bus,
		history:    history,
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", NotifyChannel, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("NotifyListener started", "channel", NotifyChannel, "origin", l.origin)
	return nil
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.handleNotification(ctx, notification.Payload)
	}
}

func (l *NotifyListener) handleNotification(ctx context.Context, payload string) {
	var p NotifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		slog.Warn("Invalid NOTIFY payload", "error", err)
		return
	}
	if p.Origin == l.origin {
		return
	}

	if len(p.Event) > 0 {
		var event Event
		if err := json.Unmarshal(p.Event, &event); err != nil {
			slog.Warn("Invalid inlined event in NOTIFY payload",
				"event_id", p.EventID, "error", err)
			return
		}
		l.bus.Deliver(event)
		return
	}

	// Oversized event: fetch it by id. ListEventsSince is exclusive on the
	// since argument, so query from just below the target id.
	if l.history == nil {
		return
	}
	events, err := l.history.ListEventsSince(ctx, p.SessionID, previousID(p.EventID), 1)
	if err != nil || len(events) == 0 || events[0].EventID != p.EventID {
		slog.Warn("Failed to fetch oversized event for NOTIFY delivery",
			"event_id", p.EventID, "error", err)
		return
	}
	l.bus.Deliver(events[0])
}

// previousID returns a string that sorts immediately before id, so an
// exclusive "since" query returns id itself first.
func previousID(id string) string {
	if id == "" {
		return ""
	}
	b := []byte(id)
	b[len(b)-1]--
	return string(b)
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
			slog.Error("Re-LISTEN failed", "error", err)
			_ = conn.Close(ctx)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn
		slog.Info("NotifyListener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
