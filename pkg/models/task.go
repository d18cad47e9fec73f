package models

import "time"

// TaskState is the lifecycle state of a task. Transitions are strictly
// forward: queued → running → {succeeded, failed, interrupted}. A task in a
// terminal state never re-enters running.
type TaskState string

// Task states.
const (
	TaskQueued      TaskState = "queued"
	TaskRunning     TaskState = "running"
	TaskSucceeded   TaskState = "succeeded"
	TaskFailed      TaskState = "failed"
	TaskInterrupted TaskState = "interrupted"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskInterrupted:
		return true
	}
	return false
}

// CanTransition reports whether a transition from s to next is legal.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskQueued:
		return next == TaskRunning || next == TaskInterrupted || next == TaskFailed
	case TaskRunning:
		return next.Terminal()
	}
	return false
}

// Priority bounds for task submission.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Task is a unit of scheduled work assigned to exactly one agent.
type Task struct {
	ID           string         `json:"task_id"`
	SessionID    string         `json:"session_id"`
	Agent        string         `json:"agent"`
	Input        map[string]any `json:"input,omitempty"`
	Priority     int            `json:"priority"`
	State        TaskState      `json:"state"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	EndedAt      time.Time      `json:"ended_at,omitzero"`
	RetryCount   int            `json:"retry_count"`
}

// InputString returns a string field from the task input, or empty.
func (t *Task) InputString(key string) string {
	if t.Input == nil {
		return ""
	}
	if v, ok := t.Input[key].(string); ok {
		return v
	}
	return ""
}

// AgentState is the availability state of a registered agent.
type AgentState string

// Agent states.
const (
	AgentIdle    AgentState = "idle"
	AgentBusy    AgentState = "busy"
	AgentStopped AgentState = "stopped"
)

// AgentStats tracks per-agent counters. Owned by the registry; counters are
// updated under the registry lock.
type AgentStats struct {
	Invocations int `json:"invocations"`
	TotalTokens int `json:"total_tokens"`
	Errors      int `json:"errors"`
}

// AgentRecord is the registry's view of a registered agent.
type AgentRecord struct {
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Capabilities  []string   `json:"capabilities,omitempty"`
	State         AgentState `json:"state"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	Stats         AgentStats `json:"stats"`
}
