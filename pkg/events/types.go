// Package events provides the unified progress event schema, the in-process
// broadcast bus, and real-time delivery via WebSocket, SSE and PostgreSQL
// NOTIFY/LISTEN for cross-replica distribution.
//
// Every observable state change in the system is an Event. Events are
// immutable once emitted. Per session, delivery to a given subscriber
// preserves emission order; events of type "stream" are delivered but never
// persisted.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helmsman-project/helmsman/pkg/models"
)

// Type is the event type discriminator.
type Type string

// Event types.
const (
	TypeInit     Type = "init"
	TypeThinking Type = "thinking"
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeStream   Type = "stream"
	TypeResult   Type = "result"
	TypeError    Type = "error"
)

// Stage is the coarse processing phase surfaced to the client.
type Stage string

// Stages.
const (
	StageInit        Stage = "init"
	StageClassifying Stage = "classifying"
	StagePlanning    Stage = "planning"
	StageRetrieval   Stage = "retrieval"
	StageExecuting   Stage = "executing"
	StageSynthesis   Stage = "synthesis"
	StageComplete    Stage = "complete"
	StageFailed      Stage = "failed"
)

// AgentRef identifies the agent that produced an event.
type AgentRef struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Icon string `json:"icon"`
}

// Content carries the event payload.
type Content struct {
	Message string             `json:"message"`
	Data    map[string]any     `json:"data,omitempty"`
	Sources []models.Source    `json:"sources,omitempty"`
	Tokens  *models.TokenUsage `json:"tokens"`
	Answer  *string            `json:"answer"`
}

// UIHints tells the client how to render the event.
type UIHints struct {
	Color          string `json:"color"`
	Icon           string `json:"icon"`
	Priority       int    `json:"priority"`
	Dismissible    bool   `json:"dismissible"`
	ShowInTimeline bool   `json:"show_in_timeline"`
	Animate        bool   `json:"animate"`
}

// Metadata carries orchestration context for an event.
type Metadata struct {
	Intent     *string `json:"intent"`
	Handler    *string `json:"handler"`
	DurationMS *int64  `json:"duration_ms"`
	StepIndex  *int    `json:"step_index"`
	TotalSteps *int    `json:"total_steps"`
}

// Event is the canonical progress/result/error record. The JSON shape is a
// stable external contract; field names and the stage→UI defaults table must
// not change without a protocol version bump.
type Event struct {
	EventID        string    `json:"event_id"`
	SessionID      string    `json:"session_id"`
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Type           Type      `json:"type"`
	Stage          Stage     `json:"stage"`
	Agent          AgentRef  `json:"agent"`
	Content        Content   `json:"content"`
	UI             UIHints   `json:"ui"`
	Metadata       Metadata  `json:"metadata"`
	Timestamp      time.Time `json:"timestamp"`
}

// Terminal reports whether the event closes out its task.
func (e *Event) Terminal() bool {
	switch {
	case e.Type == TypeResult && e.Stage == StageComplete:
		return true
	case e.Type == TypeError && e.Stage == StageFailed:
		return true
	case e.Type == TypeStatus && e.Content.Message == "interrupted":
		return true
	}
	return false
}

// stageUI is one row of the stage→UI defaults table.
type stageUI struct {
	color    string
	icon     string
	priority int
}

// stageDefaults is the bit-exact stage→color/icon/priority table. It is part
// of the external contract; clients key timeline rendering off these values.
var stageDefaults = map[Stage]stageUI{
	StageInit:        {"#6b7280", "inbox", 3},
	StageClassifying: {"#8b5cf6", "tag", 4},
	StagePlanning:    {"#f59e0b", "clipboard-list", 5},
	StageRetrieval:   {"#10b981", "search", 5},
	StageExecuting:   {"#3b82f6", "cog", 6},
	StageSynthesis:   {"#6366f1", "sparkles", 6},
	StageComplete:    {"#22c55e", "check-circle", 8},
	StageFailed:      {"#ef4444", "x-circle", 9},
}

// DefaultUI returns the UI hints for a stage.
func DefaultUI(stage Stage) UIHints {
	d, ok := stageDefaults[stage]
	if !ok {
		d = stageDefaults[StageInit]
	}
	return UIHints{
		Color:          d.color,
		Icon:           d.icon,
		Priority:       d.priority,
		Dismissible:    stage != StageComplete && stage != StageFailed,
		ShowInTimeline: true,
		Animate:        stage != StageComplete && stage != StageFailed,
	}
}

// NewEventID returns a fresh event identifier ("evt_" + ULID). ULIDs sort by
// creation time, which keeps persisted event streams naturally ordered and
// makes duplicates detectable across at-least-once delivery.
func NewEventID() string {
	return "evt_" + ulid.Make().String()
}

// New constructs an event with identifier, timestamp, and stage UI defaults
// filled in.
func New(sessionID, taskID string, typ Type, stage Stage, agent AgentRef) Event {
	return Event{
		EventID:   NewEventID(),
		SessionID: sessionID,
		TaskID:    taskID,
		Type:      typ,
		Stage:     stage,
		Agent:     agent,
		UI:        DefaultUI(stage),
		Timestamp: time.Now().UTC(),
	}
}
