package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-project/helmsman/pkg/agents"
	"github.com/helmsman-project/helmsman/pkg/classifier"
	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/quality"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
	"github.com/helmsman-project/helmsman/pkg/store"
)

// scriptGateway answers each call with the next queued response.
type scriptGateway struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (g *scriptGateway) push(responses ...string) {
	g.mu.Lock()
	g.responses = append(g.responses, responses...)
	g.mu.Unlock()
}

func (g *scriptGateway) Complete(_ context.Context, _ string, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.responses) == 0 {
		return nil, errkind.New(errkind.KindLLM, "script exhausted")
	}
	text := g.responses[0]
	g.responses = g.responses[1:]
	return &llm.Response{Text: text, Usage: models.TokenUsage{Prompt: 5, Completion: 5, Total: 10}}, nil
}

// scriptAgent is a registrable stand-in for a specialist.
type scriptAgent struct {
	name string

	mu      sync.Mutex
	outputs []scheduler.Result
	errs    []error
	inputs  []map[string]any
	block   chan struct{} // when set, Execute waits for ctx or the channel
}

func (a *scriptAgent) Name() string           { return a.name }
func (a *scriptAgent) Role() string           { return "test" }
func (a *scriptAgent) Capabilities() []string { return []string{a.name} }

func (a *scriptAgent) Execute(ctx context.Context, task *models.Task, _ *events.Emitter) (*scheduler.Result, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs = append(a.inputs, task.Input)
	call := len(a.inputs) - 1
	if call < len(a.errs) && a.errs[call] != nil {
		return nil, a.errs[call]
	}
	if call < len(a.outputs) {
		out := a.outputs[call]
		return &out, nil
	}
	return &scheduler.Result{Output: a.name + " output"}, nil
}

func (a *scriptAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

type fixture struct {
	manager    *Manager
	sessions   *store.MemoryStore
	bus        *events.Bus
	sched      *scheduler.Scheduler
	classifyGW *scriptGateway
	judgeGW    *scriptGateway
	planGW     *scriptGateway
	agents     map[string]*scriptAgent
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Scheduler.TaskTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	mem := store.NewMemoryStore()
	bus := events.NewBus(mem, cfg.Events.SubscriberBuffer)
	t.Cleanup(bus.Stop)

	registry := scheduler.NewRegistry()
	named := map[string]*scriptAgent{}
	for _, name := range []string{
		agents.NameChat, agents.NameResearcher, agents.NameCompute,
		agents.NameTranslator, agents.NameSummarizer, agents.NameTool,
	} {
		a := &scriptAgent{name: name}
		named[name] = a
		require.NoError(t, registry.Register(a))
	}

	sched := scheduler.New(cfg.Scheduler, registry, bus)
	sched.Start()
	t.Cleanup(sched.Stop)

	classifyGW := &scriptGateway{}
	judgeGW := &scriptGateway{}
	planGW := &scriptGateway{}
	prompts := prompt.NewRegistry(nil)

	m := New(
		cfg,
		mem,
		sched,
		registry,
		classifier.New(classifyGW, prompts, cfg.Orchestrator.Greetings),
		quality.NewController(judgeGW, prompts),
		planGW,
		prompts,
		bus,
	)
	t.Cleanup(m.Stop)

	return &fixture{
		manager:    m,
		sessions:   mem,
		bus:        bus,
		sched:      sched,
		classifyGW: classifyGW,
		judgeGW:    judgeGW,
		planGW:     planGW,
		agents:     named,
	}
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	session, err := f.sessions.CreateSession(context.Background())
	require.NoError(t, err)
	return session.ID
}

// collectTurn subscribes before the message is sent and returns all events
// up to and including the terminal one.
func collectTurn(t *testing.T, f *fixture, sessionID string, send func() string) (string, []events.Event) {
	t.Helper()
	sub := f.bus.Subscribe(sessionID)
	defer sub.Close()

	taskID := send()

	var collected []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed before terminal event")
			}
			collected = append(collected, ev)
			if ev.Terminal() {
				return taskID, collected
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(collected))
		}
	}
}

func classification(intent string, confidence float64) string {
	return fmt.Sprintf(`{"intent": %q, "confidence": %v, "reason": "test"}`, intent, confidence)
}

const judgeOK = `{"ok": true, "issues": []}`

func TestManager_DirectRoute(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("casual_chat", 0.95))
	f.judgeGW.push(judgeOK)
	f.agents[agents.NameChat].outputs = []scheduler.Result{{Output: "hello back"}}

	taskID, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "hi there friend")
		require.NoError(t, err)
		return id
	})
	require.NotEmpty(t, taskID)

	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeResult, last.Type)
	require.NotNil(t, last.Content.Answer)
	assert.Equal(t, "hello back", *last.Content.Answer)
	assert.Nil(t, last.Content.Data)

	var sawClassified bool
	for _, ev := range evs {
		if ev.Metadata.Intent != nil {
			sawClassified = true
			assert.Equal(t, "casual_chat", *ev.Metadata.Intent)
			assert.Equal(t, "direct", *ev.Metadata.Handler)
		}
	}
	assert.True(t, sawClassified, "classified event missing")

	session, err := f.sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, session.Turns, 2)
	assert.Equal(t, models.RoleUser, session.Turns[0].Role)
	assert.Equal(t, models.RoleAssistant, session.Turns[1].Role)
	assert.Equal(t, "hello back", session.Turns[1].Text)
}

func TestManager_PlannedRouteWithSynthesis(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("plan_and_execute", 0.9))
	f.planGW.push(
		`{"steps": [{"agent": "researcher", "input": "find the facts"}, {"agent": "summarizer", "input": "condense them"}]}`,
		"the combined final answer",
	)
	f.judgeGW.push(judgeOK)
	f.agents[agents.NameResearcher].outputs = []scheduler.Result{{
		Output:  "fact one and fact two",
		Sources: []models.Source{{Store: "kb", DocumentID: "d1", Score: 0.8}},
	}}
	f.agents[agents.NameSummarizer].outputs = []scheduler.Result{{Output: "facts, condensed"}}

	_, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "research and summarize the topic")
		require.NoError(t, err)
		return id
	})

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeResult, last.Type)
	assert.Equal(t, "the combined final answer", *last.Content.Answer)
	require.Len(t, last.Content.Sources, 1)
	assert.Equal(t, "d1", last.Content.Sources[0].DocumentID)

	var progress []events.Event
	for _, ev := range evs {
		if ev.Type == events.TypeProgress {
			progress = append(progress, ev)
		}
	}
	require.Len(t, progress, 2)
	assert.Equal(t, 1, *progress[0].Metadata.StepIndex)
	assert.Equal(t, 2, *progress[0].Metadata.TotalSteps)

	assert.Equal(t, 1, f.agents[agents.NameResearcher].callCount())
	assert.Equal(t, 1, f.agents[agents.NameSummarizer].callCount())
}

func TestManager_PlannerFailureFallsBackToSingleStep(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("knowledge_lookup", 0.9))
	// Planner script empty: the call fails, the fallback runs the researcher.
	f.judgeGW.push(judgeOK)
	f.agents[agents.NameResearcher].outputs = []scheduler.Result{{Output: "direct research answer"}}

	_, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "where does the audit log live")
		require.NoError(t, err)
		return id
	})

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeResult, last.Type)
	assert.Equal(t, "direct research answer", *last.Content.Answer)
	assert.Equal(t, 1, f.agents[agents.NameResearcher].callCount())
}

func TestManager_RetryWithFeedback(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("casual_chat", 0.9))
	f.judgeGW.push(
		`{"ok": false, "issues": ["does not answer the question"]}`,
		judgeOK,
	)
	chat := f.agents[agents.NameChat]
	chat.outputs = []scheduler.Result{
		{Output: "vague first answer"},
		{Output: "sharp second answer"},
	}

	_, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "what is the plan for today")
		require.NoError(t, err)
		return id
	})

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeResult, last.Type)
	assert.Equal(t, "sharp second answer", *last.Content.Answer)
	assert.Nil(t, last.Content.Data, "a passing retry is not low confidence")

	require.Equal(t, 2, chat.callCount())
	feedback, _ := chat.inputs[1][quality.FeedbackKey].(string)
	assert.Contains(t, feedback, "does not answer the question")

	// Review and retry statuses stay inside the client stage contract.
	known := map[events.Stage]bool{
		events.StageInit: true, events.StageClassifying: true,
		events.StagePlanning: true, events.StageRetrieval: true,
		events.StageExecuting: true, events.StageSynthesis: true,
		events.StageComplete: true, events.StageFailed: true,
	}
	var sawReview bool
	for _, ev := range evs {
		assert.True(t, known[ev.Stage], "event %s carries unknown stage %q", ev.EventID, ev.Stage)
		if ev.Content.Message == "reviewing answer" {
			sawReview = true
			assert.Equal(t, events.StageExecuting, ev.Stage)
		}
	}
	assert.True(t, sawReview, "review status event missing")
}

func TestManager_RetryCeilingShipsLowConfidence(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Scheduler.RetryCeiling = 0
	})
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("casual_chat", 0.9))
	f.judgeGW.push(`{"ok": false, "issues": ["still wrong"]}`)
	f.agents[agents.NameChat].outputs = []scheduler.Result{{Output: "only attempt"}}

	_, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "explain the incident")
		require.NoError(t, err)
		return id
	})

	last := evs[len(evs)-1]
	require.Equal(t, events.TypeResult, last.Type)
	assert.Equal(t, "only attempt", *last.Content.Answer)
	require.NotNil(t, last.Content.Data)
	assert.Equal(t, true, last.Content.Data["low_confidence"])
	assert.Equal(t, 1, f.agents[agents.NameChat].callCount(), "retry_ceiling=0 disables retries")
}

func TestManager_InterruptRunningTurn(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("casual_chat", 0.9))
	chat := f.agents[agents.NameChat]
	chat.block = make(chan struct{})

	taskID, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "take your time with this")
		require.NoError(t, err)

		// Wait for the chat sub-task to start, then interrupt the turn.
		require.Eventually(t, func() bool {
			return f.sched.Health().Running > 0
		}, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, f.manager.Interrupt(context.Background(), sessionID, id))
		return id
	})
	require.NotEmpty(t, taskID)

	last := evs[len(evs)-1]
	assert.Equal(t, "interrupted", last.Content.Message)

	session, err := f.sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, session.Turns, 1, "no assistant turn for an interrupted answer")
}

func TestManager_FailedSubtaskFailsTurn(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	f.classifyGW.push(classification("compute", 0.9))
	f.agents[agents.NameCompute].errs = []error{errkind.New(errkind.KindBadInput, "compute task requires a query")}

	_, evs := collectTurn(t, f, sessionID, func() string {
		id, err := f.manager.HandleUserMessage(context.Background(), sessionID, "calculate the thing")
		require.NoError(t, err)
		return id
	})

	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, "bad_input", last.Content.Data["kind"])
}

func TestManager_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	_, err := f.manager.HandleUserMessage(context.Background(), sessionID, "   ")
	assert.Equal(t, errkind.KindBadInput, errkind.KindOf(err))
}

func TestManager_UnknownSessionRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.HandleUserMessage(context.Background(), "sess_missing", "hello")
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestManager_InterruptUnknownTask(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.newSession(t)

	err := f.manager.Interrupt(context.Background(), sessionID, "task_nope")
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestCitedSources(t *testing.T) {
	retrieved := []models.Source{
		{Store: "kb", DocumentID: "d1", Score: 0.9, Text: "alpha"},
		{Store: "kb", DocumentID: "d2", Score: 0.5, Text: "beta"},
	}

	cited := citedSources("See [kb/d1] and again [kb/d1].", retrieved)
	require.Len(t, cited, 1)
	assert.Equal(t, "alpha", cited[0].Text)

	cited = citedSources("Backed by [kb/ghost].", retrieved)
	require.Len(t, cited, 1)
	assert.Equal(t, "ghost", cited[0].DocumentID)
	assert.Empty(t, cited[0].Text, "fabricated citations carry no retrieved text")

	assert.Empty(t, citedSources("no citations here", retrieved))
}

func TestFormatHistory(t *testing.T) {
	var turns []models.ConversationTurn
	for i := 0; i < 12; i++ {
		turns = append(turns, models.ConversationTurn{Role: models.RoleUser, Text: fmt.Sprintf("m%d", i)})
	}
	history := formatHistory(turns)
	assert.NotContains(t, history, "m0")
	assert.NotContains(t, history, "m1\n")
	assert.Contains(t, history, "m2")
	assert.Contains(t, history, "m11")
}
