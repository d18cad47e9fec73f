// Package orchestrator contains the manager that turns a user message into
// a final answer: classify, route to specialists (directly or through a
// plan), synthesize, validate, and report everything as events.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

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

// historyTurns bounds how much conversation history accompanies a query.
const historyTurns = 10

// managerRef identifies the orchestrator in events it emits.
var managerRef = events.AgentRef{Name: "manager", Role: "orchestrator", Icon: "compass"}

type completer interface {
	Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error)
}

// planStep is one planner-produced unit of work.
type planStep struct {
	Agent string `json:"agent"`
	Input string `json:"input"`
}

// turnState tracks one in-flight turn so interrupts can reach it.
type turnState struct {
	sessionID string
	cancel    context.CancelFunc

	mu        sync.Mutex
	subtaskID string
}

func (t *turnState) setSubtask(id string) {
	t.mu.Lock()
	t.subtaskID = id
	t.mu.Unlock()
}

func (t *turnState) currentSubtask() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subtaskID
}

// Manager is the orchestrator. It owns the lifecycle of a conversation
// turn and implements events.RequestHandler for the WebSocket layer.
type Manager struct {
	cfg        *config.Config
	sessions   store.SessionStore
	sched      *scheduler.Scheduler
	agentInfo  *scheduler.Registry
	classifier *classifier.Classifier
	quality    *quality.Controller
	llm        completer
	prompts    *prompt.Registry
	bus        *events.Bus
	logger     *slog.Logger

	mu    sync.Mutex
	turns map[string]*turnState
	wg    sync.WaitGroup
}

// New wires a manager.
func New(
	cfg *config.Config,
	sessions store.SessionStore,
	sched *scheduler.Scheduler,
	agentInfo *scheduler.Registry,
	cls *classifier.Classifier,
	qc *quality.Controller,
	gateway completer,
	prompts *prompt.Registry,
	bus *events.Bus,
) *Manager {
	return &Manager{
		cfg:        cfg,
		sessions:   sessions,
		sched:      sched,
		agentInfo:  agentInfo,
		classifier: cls,
		quality:    qc,
		llm:        gateway,
		prompts:    prompts,
		bus:        bus,
		logger:     slog.Default().With("component", "orchestrator"),
		turns:      make(map[string]*turnState),
	}
}

// HandleUserMessage accepts a user message for an existing session, records
// the turn, and starts processing it. It returns the turn's task id
// immediately; progress and the final answer arrive as events.
func (m *Manager) HandleUserMessage(ctx context.Context, sessionID, text string) (string, error) {
	query := strings.TrimSpace(text)
	if query == "" {
		return "", errkind.New(errkind.KindBadInput, "message text is required")
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if err := m.sessions.AppendTurn(ctx, sessionID, models.ConversationTurn{
		Role:      models.RoleUser,
		Text:      query,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return "", err
	}

	taskID := scheduler.NewTaskID()
	history := formatHistory(session.Turns)

	turnCtx, cancel := context.WithCancel(context.Background())
	ts := &turnState{sessionID: sessionID, cancel: cancel}
	m.mu.Lock()
	m.turns[taskID] = ts
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.turns, taskID)
			m.mu.Unlock()
		}()
		m.runTurn(turnCtx, ts, sessionID, taskID, query, history)
	}()

	return taskID, nil
}

// Interrupt cancels a turn. An empty task id cancels everything running for
// the session.
func (m *Manager) Interrupt(_ context.Context, sessionID, taskID string) error {
	if taskID == "" {
		m.InterruptSession(sessionID)
		return nil
	}

	m.mu.Lock()
	ts, ok := m.turns[taskID]
	m.mu.Unlock()
	if ok {
		if ts.sessionID != sessionID {
			return errkind.Newf(errkind.KindNotFound, "task %s not found in session %s", taskID, sessionID)
		}
		ts.cancel()
		if sub := ts.currentSubtask(); sub != "" {
			_ = m.sched.Interrupt(sub)
		}
		return nil
	}
	// Not a turn of ours; it may be a bare scheduler task.
	return m.sched.Interrupt(taskID)
}

// InterruptSession cancels every in-flight turn and scheduled task of a
// session. Returns the number of turns cancelled.
func (m *Manager) InterruptSession(sessionID string) int {
	m.mu.Lock()
	var cancelled []*turnState
	for _, ts := range m.turns {
		if ts.sessionID == sessionID {
			cancelled = append(cancelled, ts)
		}
	}
	m.mu.Unlock()

	for _, ts := range cancelled {
		ts.cancel()
		if sub := ts.currentSubtask(); sub != "" {
			_ = m.sched.Interrupt(sub)
		}
	}
	m.sched.InterruptSession(sessionID)
	return len(cancelled)
}

// Stop waits for in-flight turns to finish. Pending turns are interrupted.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, ts := range m.turns {
		ts.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// runTurn drives one turn end to end.
func (m *Manager) runTurn(ctx context.Context, ts *turnState, sessionID, taskID, query, history string) {
	em := events.NewEmitter(m.bus, sessionID, taskID, managerRef)
	log := m.logger.With("session_id", sessionID, "task_id", taskID)

	em.Init("processing message")
	em.Status(events.StageClassifying, "classifying query")

	verdict, err := m.classifier.Classify(ctx, sessionID, query)
	if err != nil {
		m.finishError(em, log, err)
		return
	}
	route := classifier.RouteFor(verdict.Intent)
	em.Classified(string(verdict.Intent), verdict.Confidence, string(route))
	log.Info("Query classified",
		"intent", verdict.Intent, "confidence", verdict.Confidence, "route", route)

	var (
		answer    string
		retrieved []models.Source
		tokens    models.TokenUsage
		lastAgent string
		lastInput map[string]any
	)

	switch route {
	case classifier.RoutePlanned:
		answer, retrieved, tokens, lastAgent, lastInput, err = m.runPlanned(ctx, ts, em, sessionID, taskID, query, history, verdict.Intent)
	default:
		lastAgent = agentForIntent(verdict.Intent)
		lastInput = directInput(verdict.Intent, query, history)
		var res scheduler.TaskResult
		res, err = m.runAgentTask(ctx, ts, sessionID, taskID, lastAgent, lastInput)
		if err == nil {
			answer, retrieved, tokens = res.Output, res.Sources, res.Tokens
		}
	}
	if err != nil {
		m.finishError(em, log, err)
		return
	}

	answer, retrieved, tokens, lowConfidence := m.validateWithRetries(
		ctx, ts, em, log, sessionID, taskID, query, answer, retrieved, tokens, lastAgent, lastInput)
	if err := ctx.Err(); err != nil {
		m.finishError(em, log, err)
		return
	}

	resultSources := citedSources(answer, retrieved)
	if len(resultSources) == 0 {
		resultSources = retrieved
	}

	if err := m.sessions.AppendTurn(context.Background(), sessionID, models.ConversationTurn{
		Role:      models.RoleAssistant,
		Text:      answer,
		Timestamp: time.Now().UTC(),
		Sources:   resultSources,
	}); err != nil {
		log.Error("Failed to persist assistant turn", "error", err)
	}

	if lowConfidence {
		em.ResultLowConfidence(answer, resultSources, tokens)
	} else {
		em.Result(answer, resultSources, tokens)
	}
	log.Info("Turn complete", "tokens", tokens.Total, "low_confidence", lowConfidence)
}

func (m *Manager) finishError(em *events.Emitter, log *slog.Logger, err error) {
	if errkind.KindOf(err) == errkind.KindInterrupted {
		log.Info("Turn interrupted")
		em.Interrupted()
		return
	}
	log.Warn("Turn failed", "kind", errkind.KindOf(err), "error", err)
	em.Error(err)
}

// runPlanned plans the query into steps and executes them in order.
func (m *Manager) runPlanned(
	ctx context.Context, ts *turnState, em *events.Emitter,
	sessionID, taskID, query, history string, intent classifier.Intent,
) (string, []models.Source, models.TokenUsage, string, map[string]any, error) {
	var tokens models.TokenUsage

	em.Status(events.StagePlanning, "planning steps")
	steps, planTokens := m.plan(ctx, sessionID, query, intent)
	tokens.Add(planTokens)
	if err := ctx.Err(); err != nil {
		return "", nil, tokens, "", nil, err
	}

	var (
		outputs   []string
		labels    []string
		retrieved []models.Source
		lastAgent string
		lastInput map[string]any
	)
	for i, step := range steps {
		em.Progress(events.StageExecuting,
			fmt.Sprintf("step %d of %d: %s", i+1, len(steps), step.Agent), i+1, len(steps))

		input := map[string]any{"query": step.Input}
		if step.Agent == agents.NameChat {
			input["history"] = history
		}
		if len(outputs) > 0 {
			input["context"] = strings.Join(outputs, "\n\n")
		}

		res, err := m.runAgentTask(ctx, ts, sessionID, taskID, step.Agent, input)
		if err != nil {
			return "", nil, tokens, "", nil, err
		}
		outputs = append(outputs, res.Output)
		labels = append(labels, step.Agent)
		retrieved = append(retrieved, res.Sources...)
		tokens.Add(res.Tokens)
		lastAgent, lastInput = step.Agent, input
	}

	answer, synthTokens := m.synthesize(ctx, em, sessionID, query, labels, outputs)
	tokens.Add(synthTokens)
	return answer, retrieved, tokens, lastAgent, lastInput, ctx.Err()
}

// plan asks the planner for steps. Planning failures fall back to a single
// step with the intent's default agent.
func (m *Manager) plan(ctx context.Context, sessionID, query string, intent classifier.Intent) ([]planStep, models.TokenUsage) {
	fallback := []planStep{{Agent: agentForIntent(intent), Input: query}}

	var listing strings.Builder
	for _, rec := range m.agentInfo.List() {
		fmt.Fprintf(&listing, "%s: %s\n", rec.Name, strings.Join(rec.Capabilities, ", "))
	}
	tpl, err := m.prompts.Render(prompt.KeyPlanner, map[string]string{
		"agents": listing.String(),
		"query":  query,
	})
	if err != nil {
		m.logger.Warn("planner prompt unavailable, using single-step plan", "error", err)
		return fallback, models.TokenUsage{}
	}

	resp, err := m.complete(ctx, sessionID, tpl)
	if err != nil {
		m.logger.Warn("planning failed, using single-step plan",
			"session_id", sessionID, "error", err)
		return fallback, models.TokenUsage{}
	}

	var plan struct {
		Steps []planStep `json:"steps"`
	}
	if err := llm.UnmarshalLoose(resp.Text, &plan); err != nil {
		m.logger.Warn("unparseable plan, using single-step plan",
			"session_id", sessionID, "error", err)
		return fallback, resp.Usage
	}

	var steps []planStep
	for _, step := range plan.Steps {
		if _, err := m.agentInfo.Get(step.Agent); err != nil {
			m.logger.Warn("plan references unknown agent, dropping step",
				"session_id", sessionID, "agent", step.Agent)
			continue
		}
		if strings.TrimSpace(step.Input) == "" {
			step.Input = query
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return fallback, resp.Usage
	}
	return steps, resp.Usage
}

// synthesize combines step outputs into the final answer according to the
// configured mode. A synthesis failure degrades to the joined outputs.
func (m *Manager) synthesize(ctx context.Context, em *events.Emitter, sessionID, query string, labels, outputs []string) (string, models.TokenUsage) {
	joined := strings.Join(outputs, "\n\n")
	mode := m.cfg.Orchestrator.Synthesis
	if mode == config.SynthesisNever || (mode == config.SynthesisMultiStep && len(outputs) < 2) {
		return joined, models.TokenUsage{}
	}
	if ctx.Err() != nil {
		return joined, models.TokenUsage{}
	}

	em.Status(events.StageSynthesis, "synthesizing final answer")

	var formatted strings.Builder
	for i, output := range outputs {
		fmt.Fprintf(&formatted, "Step %d (%s):\n%s\n\n", i+1, labels[i], output)
	}
	tpl, err := m.prompts.Render(prompt.KeySynthesis, map[string]string{
		"query":   query,
		"outputs": strings.TrimRight(formatted.String(), "\n"),
	})
	if err != nil {
		m.logger.Warn("synthesis prompt unavailable, returning joined outputs", "error", err)
		return joined, models.TokenUsage{}
	}
	resp, err := m.complete(ctx, sessionID, tpl)
	if err != nil {
		m.logger.Warn("synthesis failed, returning joined outputs",
			"session_id", sessionID, "error", err)
		return joined, models.TokenUsage{}
	}
	return resp.Text, resp.Usage
}

// validateWithRetries runs quality validation, re-running the last producing
// agent with reviewer feedback until the answer passes or the retry ceiling
// is reached. Past the ceiling the last answer ships flagged low confidence.
func (m *Manager) validateWithRetries(
	ctx context.Context, ts *turnState, em *events.Emitter, log *slog.Logger,
	sessionID, taskID, query, answer string,
	retrieved []models.Source, tokens models.TokenUsage,
	lastAgent string, lastInput map[string]any,
) (string, []models.Source, models.TokenUsage, bool) {
	ceiling := m.cfg.Scheduler.RetryCeiling

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return answer, retrieved, tokens, false
		}

		em.Status(events.StageExecuting, "reviewing answer")
		verdict := m.quality.Validate(ctx, sessionID, query, answer, citedSources(answer, retrieved), retrieved)
		if verdict.OK {
			return answer, retrieved, tokens, false
		}
		log.Warn("Answer rejected by review", "attempt", attempt, "issues", verdict.Issues)

		if attempt >= ceiling || lastAgent == "" {
			return answer, retrieved, tokens, true
		}

		em.Status(events.StageExecuting, "retrying with reviewer feedback")
		res, err := m.runAgentTask(ctx, ts, sessionID, taskID, lastAgent, quality.RetryInput(lastInput, verdict.Issues))
		if err != nil {
			log.Warn("Revision attempt failed, keeping previous answer", "error", err)
			return answer, retrieved, tokens, true
		}
		answer = res.Output
		if len(res.Sources) > 0 {
			retrieved = res.Sources
		}
		tokens.Add(res.Tokens)
	}
}

// runAgentTask submits a sub-task for an agent and waits for its terminal
// result. Cancelling ctx interrupts the sub-task.
func (m *Manager) runAgentTask(ctx context.Context, ts *turnState, sessionID, parentID, agentName string, input map[string]any) (scheduler.TaskResult, error) {
	task := &models.Task{
		ID:           scheduler.NewTaskID(),
		SessionID:    sessionID,
		Agent:        agentName,
		Input:        input,
		ParentTaskID: parentID,
	}
	watch := m.sched.Watch(task.ID)
	if err := m.sched.Submit(task); err != nil {
		return scheduler.TaskResult{}, err
	}
	ts.setSubtask(task.ID)
	defer ts.setSubtask("")

	select {
	case res := <-watch:
		return res, res.Err
	case <-ctx.Done():
		_ = m.sched.Interrupt(task.ID)
		res := <-watch
		if res.Err != nil {
			return res, res.Err
		}
		return res, errkind.Wrap(errkind.KindInterrupted, ctx.Err(), "turn interrupted")
	}
}

func (m *Manager) complete(ctx context.Context, sessionID string, tpl models.PromptTemplate) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Orchestrator.LLMTimeout)
	defer cancel()
	return m.llm.Complete(callCtx, sessionID, llm.Request{
		System:      tpl.System,
		Prompt:      tpl.User,
		Temperature: tpl.Temperature,
		MaxTokens:   tpl.MaxTokens,
	})
}

// agentForIntent maps an intent to its default specialist.
func agentForIntent(intent classifier.Intent) string {
	switch intent {
	case classifier.IntentKnowledge:
		return agents.NameResearcher
	case classifier.IntentCompute:
		return agents.NameCompute
	case classifier.IntentTranslate:
		return agents.NameTranslator
	case classifier.IntentSummarize:
		return agents.NameSummarizer
	case classifier.IntentToolUse:
		return agents.NameTool
	case classifier.IntentPlanAndExecute:
		return agents.NameChat
	default:
		return agents.NameChat
	}
}

// directInput builds the task input for a single-agent route.
func directInput(intent classifier.Intent, query, history string) map[string]any {
	input := map[string]any{"query": query}
	if intent == classifier.IntentCasualChat || intent == classifier.IntentUnknown {
		input["history"] = history
	}
	return input
}

// formatHistory renders recent turns for prompt context, oldest first.
func formatHistory(turns []models.ConversationTurn) string {
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	var b strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case models.RoleUser:
			b.WriteString("User: ")
		case models.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(turn.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
