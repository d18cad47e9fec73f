package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// recordingSink captures persisted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Persist(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case event, ok := <-sub.Events():
			require.True(t, ok, "subscription closed after %d events", len(out))
			out = append(out, event)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestBus_DeliversInEmissionOrder(t *testing.T) {
	bus := NewBus(nil, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	agent := AgentRef{Name: "manager", Role: "orchestrator"}
	var want []string
	for i := 0; i < 10; i++ {
		event := New("sess-1", "task-1", TypeProgress, StageExecuting, agent)
		want = append(want, event.EventID)
		bus.Emit(event)
	}

	got := collect(t, sub, 10)
	for i, event := range got {
		assert.Equal(t, want[i], event.EventID, "event %d out of order", i)
	}
}

func TestBus_SessionIsolation(t *testing.T) {
	bus := NewBus(nil, 16)
	defer bus.Stop()

	subA := bus.Subscribe("sess-a")
	defer subA.Close()
	subB := bus.Subscribe("sess-b")
	defer subB.Close()

	bus.Emit(New("sess-a", "t1", TypeStatus, StageInit, AgentRef{}))

	got := collect(t, subA, 1)
	assert.Equal(t, "sess-a", got[0].SessionID)

	select {
	case event := <-subB.Events():
		t.Fatalf("session b received foreign event %s", event.EventID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_PersistsAllButStream(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	bus.Emit(New("sess-1", "t1", TypeStatus, StageRetrieval, AgentRef{}))
	bus.Emit(New("sess-1", "t1", TypeStream, StageSynthesis, AgentRef{}))
	bus.Emit(New("sess-1", "t1", TypeResult, StageComplete, AgentRef{}))

	// Stream events reach subscribers but never the sink.
	got := collect(t, sub, 3)
	assert.Equal(t, TypeStream, got[1].Type)

	persisted := sink.snapshot()
	require.Len(t, persisted, 2)
	assert.Equal(t, TypeStatus, persisted[0].Type)
	assert.Equal(t, TypeResult, persisted[1].Type)
}

func TestBus_ClampsTimestampsPerSession(t *testing.T) {
	bus := NewBus(nil, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	first := New("sess-1", "t1", TypeStatus, StageInit, AgentRef{})
	second := New("sess-1", "t1", TypeStatus, StageClassifying, AgentRef{})
	second.Timestamp = first.Timestamp.Add(-time.Minute) // clock went backwards

	bus.Emit(first)
	bus.Emit(second)

	got := collect(t, sub, 2)
	assert.False(t, got[1].Timestamp.Before(got[0].Timestamp))
}

func TestBus_DropsSlowSubscriber(t *testing.T) {
	bus := NewBus(nil, 2)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")

	// Fill the buffer and overflow it without reading.
	for i := 0; i < 5; i++ {
		bus.Emit(New("sess-1", "t1", TypeProgress, StageExecuting, AgentRef{}))
	}

	require.Eventually(t, func() bool {
		return bus.SubscriberCount("sess-1") == 0
	}, 2*time.Second, 10*time.Millisecond, "slow subscriber was not dropped")

	// Drain: buffered events, then the terminal overflow error, then close.
	var last Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				require.Equal(t, TypeError, last.Type)
				assert.Equal(t, string(errkind.KindCapacityExhausted), last.Content.Data["kind"])
				return
			}
			last = event
		case <-deadline:
			t.Fatal("subscription never closed after drop")
		}
	}
}

func TestBus_CloseDuringDropDoesNotPanic(t *testing.T) {
	bus := NewBus(nil, 1)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")

	// Overflow the one-slot buffer without reading, forcing a drop while the
	// backlog still blocks delivery of the terminal error event.
	bus.Emit(New("sess-1", "t1", TypeProgress, StageExecuting, AgentRef{}))
	bus.Emit(New("sess-1", "t1", TypeProgress, StageExecuting, AgentRef{}))

	require.Eventually(t, func() bool {
		return bus.SubscriberCount("sess-1") == 0
	}, 2*time.Second, 10*time.Millisecond, "slow subscriber was not dropped")

	// Closing while the drop's delivery is still pending must be safe.
	sub.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "channel never closed")
}

func TestBus_DeliverSkipsPersistence(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	bus.Deliver(New("sess-1", "t1", TypeStatus, StageInit, AgentRef{}))

	collect(t, sub, 1)
	assert.Empty(t, sink.snapshot())
}

func TestEmitter_ErrorCarriesKind(t *testing.T) {
	bus := NewBus(nil, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	em := NewEmitter(bus, "sess-1", "task-1", AgentRef{Name: "manager", Role: "orchestrator"})
	em.Error(errkind.New(errkind.KindNotFound, "unknown store"))

	got := collect(t, sub, 1)
	event := got[0]
	assert.Equal(t, TypeError, event.Type)
	assert.Equal(t, StageFailed, event.Stage)
	assert.Equal(t, "unknown store", event.Content.Message)
	assert.Equal(t, string(errkind.KindNotFound), event.Content.Data["kind"])
	assert.True(t, event.Terminal())
	require.NotNil(t, event.Metadata.DurationMS)
}

func TestEmitter_ResultIsTerminal(t *testing.T) {
	bus := NewBus(nil, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	em := NewEmitter(bus, "sess-1", "task-1", AgentRef{Name: "chat", Role: "specialist"})
	em.Result("the answer", nil, models.TokenUsage{Prompt: 10, Completion: 5, Total: 15})

	got := collect(t, sub, 1)
	event := got[0]
	assert.True(t, event.Terminal())
	require.NotNil(t, event.Content.Answer)
	assert.Equal(t, "the answer", *event.Content.Answer)
	require.NotNil(t, event.Content.Tokens)
	assert.Equal(t, 15, event.Content.Tokens.Total)
}

func TestEmitter_ProgressSteps(t *testing.T) {
	bus := NewBus(nil, 16)
	defer bus.Stop()

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	em := NewEmitter(bus, "sess-1", "task-1", AgentRef{Name: "manager", Role: "orchestrator"})
	em.Progress(StageExecuting, "step 2 of 3", 2, 3)

	got := collect(t, sub, 1)
	require.NotNil(t, got[0].Metadata.StepIndex)
	assert.Equal(t, 2, *got[0].Metadata.StepIndex)
	require.NotNil(t, got[0].Metadata.TotalSteps)
	assert.Equal(t, 3, *got[0].Metadata.TotalSteps)
}
