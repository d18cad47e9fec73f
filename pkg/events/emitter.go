package events

import (
	"time"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// Emitter is a session/task-scoped helper for publishing events. Agents and
// the orchestrator hold one per task so call sites stay short.
type Emitter struct {
	bus       *Bus
	sessionID string
	taskID    string
	agent     AgentRef
	started   time.Time
	observe   func(Event)
}

// NewEmitter creates an emitter scoped to one task.
func NewEmitter(bus *Bus, sessionID, taskID string, agent AgentRef) *Emitter {
	return &Emitter{
		bus:       bus,
		sessionID: sessionID,
		taskID:    taskID,
		agent:     agent,
		started:   time.Now(),
	}
}

// WithAgent returns a copy of the emitter attributed to a different agent.
func (e *Emitter) WithAgent(agent AgentRef) *Emitter {
	out := *e
	out.agent = agent
	return &out
}

// Observe registers a hook that sees every event this emitter publishes.
// The scheduler uses it to mirror agent progress into the task's protocol
// trace. Not safe to call after the emitter is in use.
func (e *Emitter) Observe(fn func(Event)) {
	e.observe = fn
}

func (e *Emitter) emit(typ Type, stage Stage, mutate func(*Event)) {
	event := New(e.sessionID, e.taskID, typ, stage, e.agent)
	if mutate != nil {
		mutate(&event)
	}
	e.bus.Emit(event)
	if e.observe != nil {
		e.observe(event)
	}
}

// Init announces that processing of a task has begun.
func (e *Emitter) Init(message string) {
	e.emit(TypeInit, StageInit, func(ev *Event) {
		ev.Content.Message = message
	})
}

// Thinking surfaces intermediate reasoning without advancing the stage.
func (e *Emitter) Thinking(stage Stage, message string) {
	e.emit(TypeThinking, stage, func(ev *Event) {
		ev.Content.Message = message
	})
}

// Status reports a stage transition.
func (e *Emitter) Status(stage Stage, message string) {
	e.emit(TypeStatus, stage, func(ev *Event) {
		ev.Content.Message = message
	})
}

// Classified reports the classifier verdict.
func (e *Emitter) Classified(intent string, confidence float64, handler string) {
	e.emit(TypeStatus, StageClassifying, func(ev *Event) {
		ev.Content.Message = "query classified"
		ev.Content.Data = map[string]any{"intent": intent, "confidence": confidence}
		ev.Metadata.Intent = &intent
		ev.Metadata.Handler = &handler
	})
}

// Progress reports step progress inside a multi-step plan.
func (e *Emitter) Progress(stage Stage, message string, step, total int) {
	e.emit(TypeProgress, stage, func(ev *Event) {
		ev.Content.Message = message
		ev.Metadata.StepIndex = &step
		ev.Metadata.TotalSteps = &total
	})
}

// Stream emits a token chunk. Stream events are delivered to live
// subscribers but never persisted.
func (e *Emitter) Stream(stage Stage, chunk string) {
	e.emit(TypeStream, stage, func(ev *Event) {
		ev.Content.Message = chunk
		ev.UI.ShowInTimeline = false
	})
}

// Retrieved reports retrieval results with their sources.
func (e *Emitter) Retrieved(query string, sources []models.Source, fromCache bool) {
	e.emit(TypeStatus, StageRetrieval, func(ev *Event) {
		ev.Content.Message = "retrieval complete"
		ev.Content.Sources = sources
		ev.Content.Data = map[string]any{
			"query":        query,
			"source_count": len(sources),
			"from_cache":   fromCache,
		}
	})
}

// Result emits the terminal success event carrying the final answer.
func (e *Emitter) Result(answer string, sources []models.Source, tokens models.TokenUsage) {
	e.result(answer, sources, tokens, false)
}

// ResultLowConfidence emits the terminal success event for an answer that
// exhausted its quality retries. Clients render it with a caveat.
func (e *Emitter) ResultLowConfidence(answer string, sources []models.Source, tokens models.TokenUsage) {
	e.result(answer, sources, tokens, true)
}

func (e *Emitter) result(answer string, sources []models.Source, tokens models.TokenUsage, lowConfidence bool) {
	e.emit(TypeResult, StageComplete, func(ev *Event) {
		ev.Content.Message = "task complete"
		ev.Content.Answer = &answer
		ev.Content.Sources = sources
		ev.Content.Tokens = &tokens
		if lowConfidence {
			ev.Content.Data = map[string]any{"low_confidence": true}
		}
		ms := time.Since(e.started).Milliseconds()
		ev.Metadata.DurationMS = &ms
	})
}

// Interrupted emits the terminal event for a user-initiated interrupt.
func (e *Emitter) Interrupted() {
	e.emit(TypeStatus, StageFailed, func(ev *Event) {
		ev.Content.Message = "interrupted"
		ms := time.Since(e.started).Milliseconds()
		ev.Metadata.DurationMS = &ms
	})
}

// Error emits the terminal failure event. The error kind travels in
// content.data so clients can branch on the taxonomy without parsing text.
func (e *Emitter) Error(err error) {
	e.emit(TypeError, StageFailed, func(ev *Event) {
		ev.Content.Message = errkind.MessageOf(err)
		ev.Content.Data = map[string]any{"kind": string(errkind.KindOf(err))}
		if detail := errkind.DetailOf(err); detail != "" {
			ev.Content.Data["detail"] = detail
		}
		ms := time.Since(e.started).Milliseconds()
		ev.Metadata.DurationMS = &ms
	})
}
