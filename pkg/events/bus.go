package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-project/helmsman/pkg/metrics"
)

// Sink receives every persistable event the bus dispatches. Implemented by
// the event store; events of type "stream" never reach the sink.
type Sink interface {
	Persist(ctx context.Context, event Event) error
}

// dropSendTimeout bounds the best-effort delivery of the terminal error
// event to a subscriber that overflowed its buffer.
const dropSendTimeout = 5 * time.Second

// dropRetryInterval is how often a drop retries delivering the terminal
// error event while the subscriber drains its backlog.
const dropRetryInterval = 20 * time.Millisecond

// Subscription is a live event stream for one session.
type Subscription struct {
	id        string
	sessionID string
	bus       *Bus

	// mu makes sends and the close of ch mutually exclusive, so a send can
	// never hit a closed channel no matter how Close races a drop.
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Events returns the subscriber's event channel. The channel is closed when
// the subscription ends, either by Close or by a buffer overflow drop.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the bus and closes the event channel.
// Safe to call concurrently with dispatch and with an in-flight drop.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.sessionID, s.id)
	s.finish()
}

// offer attempts a non-blocking delivery. Reports whether the event was
// delivered and whether the subscription is still open.
func (s *Subscription) offer(event Event) (delivered, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- event:
		return true, true
	default:
		return false, true
	}
}

// finish closes the event channel exactly once.
func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is the in-process event fabric. Producers hand events to an internal
// queue and return immediately; a single dispatcher goroutine persists each
// event and fans it out to subscribers in emission order.
//
// Delivery guarantee is at-least-once per live subscriber; duplicates are
// detectable by EventID. A subscriber that falls more than bufferSize events
// behind is disconnected with a terminal error event; persistence continues
// regardless of subscriber health.
type Bus struct {
	sink       Sink // may be nil (no persistence)
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // session id → sub id → sub

	// lastTS clamps per-session timestamps so persisted streams satisfy the
	// non-decreasing timestamp invariant even across clock hiccups.
	lastTS map[string]time.Time

	in       chan Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBus creates a bus. bufferSize is the per-subscriber buffer; sink may be
// nil to disable persistence.
func NewBus(sink Sink, bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 256
	}
	b := &Bus{
		sink:       sink,
		bufferSize: bufferSize,
		subs:       make(map[string]map[string]*Subscription),
		lastTS:     make(map[string]time.Time),
		in:         make(chan Event, 4*bufferSize),
		done:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Emit hands an event to the bus. It does not block the producer unless the
// global queue is full (sized at four subscriber buffers), which only happens
// when persistence has stalled.
func (b *Bus) Emit(event Event) {
	select {
	case b.in <- event:
	case <-b.done:
	}
}

// Subscribe attaches a new subscriber to a session's event stream.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ch:        make(chan Event, b.bufferSize),
		bus:       b,
	}
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Subscription)
	}
	b.subs[sessionID][sub.id] = sub
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Stop drains the queue and stops the dispatcher. Emit becomes a no-op.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Deliver fans an event out to local subscribers without persisting it.
// Used by the NOTIFY listener for events that another replica already
// persisted.
func (b *Bus) Deliver(event Event) {
	b.fanOut(event)
}

// dispatch is the bus's single dispatcher loop. Running persistence and
// fan-out on one goroutine is what guarantees per-session emission order.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.in:
			b.process(event)
		case <-b.done:
			// Drain anything already queued before stopping.
			for {
				select {
				case event := <-b.in:
					b.process(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) process(event Event) {
	metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()

	// Clamp timestamps to be non-decreasing per session.
	b.mu.Lock()
	if last, ok := b.lastTS[event.SessionID]; ok && event.Timestamp.Before(last) {
		event.Timestamp = last
	}
	b.lastTS[event.SessionID] = event.Timestamp
	b.mu.Unlock()

	if b.sink != nil && event.Type != TypeStream {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := b.sink.Persist(ctx, event); err != nil {
			slog.Error("Failed to persist event",
				"event_id", event.EventID,
				"session_id", event.SessionID,
				"error", err)
		}
		cancel()
	}

	b.fanOut(event)
}

func (b *Bus) fanOut(event Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[event.SessionID]))
	for _, sub := range b.subs[event.SessionID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		delivered, open := sub.offer(event)
		if open && !delivered {
			b.drop(sub)
		}
	}
}

// drop disconnects a subscriber that exceeded its buffer. The terminal error
// event is delivered best-effort: the consumer may still be draining its
// backlog, so delivery is retried for a bounded window before the channel
// closes. Only this goroutine and Close close the channel, and both go
// through the subscription's guarded finish.
func (b *Bus) drop(sub *Subscription) {
	b.unsubscribe(sub.sessionID, sub.id)
	slog.Warn("Dropping slow event subscriber",
		"session_id", sub.sessionID,
		"subscriber_id", sub.id,
		"buffer", b.bufferSize)

	errEvent := New(sub.sessionID, "", TypeError, StageFailed, AgentRef{Name: "event-bus", Role: "system"})
	errEvent.Content.Message = "subscriber buffer overflow; disconnected"
	errEvent.Content.Data = map[string]any{"kind": "capacity_exhausted"}

	go func() {
		deadline := time.NewTimer(dropSendTimeout)
		defer deadline.Stop()
		retry := time.NewTicker(dropRetryInterval)
		defer retry.Stop()
		for {
			delivered, open := sub.offer(errEvent)
			if delivered || !open {
				break
			}
			select {
			case <-retry.C:
			case <-deadline.C:
				sub.finish()
				return
			}
		}
		sub.finish()
	}()
}

func (b *Bus) unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sessionID]; ok {
		delete(m, subID)
		if len(m) == 0 {
			delete(b.subs, sessionID)
		}
	}
}
