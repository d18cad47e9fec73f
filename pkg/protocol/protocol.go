// Package protocol defines the typed messages agents and the orchestrator
// exchange. Every message travels in an Envelope carrying routing fields; the
// body is one typed struct per message type, selected by the type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helmsman-project/helmsman/pkg/models"
)

// MessageType discriminates envelope bodies.
type MessageType string

// Message types.
const (
	TypeTaskAssignment MessageType = "task_assignment"
	TypeAgentStarted   MessageType = "agent_started"
	TypeStatusUpdate   MessageType = "status_update"
	TypeAgentCompleted MessageType = "agent_completed"
	TypeAgentFailed    MessageType = "agent_failed"
	TypeInterrupt      MessageType = "interrupt"
	TypeRagResult      MessageType = "rag_result"
)

// Envelope wraps every protocol message with routing and ordering fields.
type Envelope struct {
	MessageID string          `json:"message_id"` // "msg_" + ULID
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`    // agent name or "manager"
	Recipient string          `json:"recipient"` // agent name, "manager", or "*"
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	Priority  int             `json:"priority"` // clamped to [models.MinPriority, models.MaxPriority]
	Timestamp time.Time       `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// TaskAssignment instructs an agent to execute a task.
type TaskAssignment struct {
	Agent    string         `json:"agent"`
	Input    map[string]any `json:"input"`
	Deadline time.Time      `json:"deadline,omitzero"`
}

// AgentStarted acknowledges that an agent picked up its assignment.
type AgentStarted struct {
	Agent string `json:"agent"`
}

// StatusUpdate reports intermediate progress from a running agent.
type StatusUpdate struct {
	Agent   string  `json:"agent"`
	Message string  `json:"message"`
	Stage   string  `json:"stage,omitempty"`
	Step    int     `json:"step,omitempty"`
	Total   int     `json:"total,omitempty"`
	Percent float64 `json:"percent,omitempty"`
}

// AgentCompleted carries an agent's final output.
type AgentCompleted struct {
	Agent   string            `json:"agent"`
	Output  string            `json:"output"`
	Sources []models.Source   `json:"sources,omitempty"`
	Tokens  models.TokenUsage `json:"tokens"`
}

// AgentFailed reports a terminal agent error. Kind follows the error
// taxonomy so the recipient can decide on retry without parsing text.
type AgentFailed struct {
	Agent   string `json:"agent"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Interrupt requests cancellation of a task. An empty TaskID targets all of
// the session's active tasks.
type Interrupt struct {
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RagResult carries retrieval output to the requesting agent.
type RagResult struct {
	Query     string          `json:"query"`
	Sources   []models.Source `json:"sources"`
	FromCache bool            `json:"from_cache"`
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// clampPriority forces a priority into the valid range rather than rejecting
// it; a misdelivered message is worse than a re-ranked one.
func clampPriority(p int) int {
	if p < models.MinPriority {
		return models.MinPriority
	}
	if p > models.MaxPriority {
		return models.MaxPriority
	}
	return p
}

// typeOf maps a body struct to its discriminator.
func typeOf(body any) (MessageType, error) {
	switch body.(type) {
	case TaskAssignment, *TaskAssignment:
		return TypeTaskAssignment, nil
	case AgentStarted, *AgentStarted:
		return TypeAgentStarted, nil
	case StatusUpdate, *StatusUpdate:
		return TypeStatusUpdate, nil
	case AgentCompleted, *AgentCompleted:
		return TypeAgentCompleted, nil
	case AgentFailed, *AgentFailed:
		return TypeAgentFailed, nil
	case Interrupt, *Interrupt:
		return TypeInterrupt, nil
	case RagResult, *RagResult:
		return TypeRagResult, nil
	default:
		return "", fmt.Errorf("unknown protocol body type %T", body)
	}
}

// NewEnvelope builds an envelope around a typed body. The message type is
// derived from the body's Go type.
func NewEnvelope(sender, recipient, sessionID, taskID string, priority int, body any) (Envelope, error) {
	typ, err := typeOf(body)
	if err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s body: %w", typ, err)
	}
	return Envelope{
		MessageID: NewMessageID(),
		Type:      typ,
		Sender:    sender,
		Recipient: recipient,
		SessionID: sessionID,
		TaskID:    taskID,
		Priority:  clampPriority(priority),
		Timestamp: time.Now().UTC(),
		Body:      raw,
	}, nil
}

// DecodeBody unmarshals the envelope body into the struct matching its type
// discriminator.
func DecodeBody(env Envelope) (any, error) {
	var body any
	switch env.Type {
	case TypeTaskAssignment:
		body = &TaskAssignment{}
	case TypeAgentStarted:
		body = &AgentStarted{}
	case TypeStatusUpdate:
		body = &StatusUpdate{}
	case TypeAgentCompleted:
		body = &AgentCompleted{}
	case TypeAgentFailed:
		body = &AgentFailed{}
	case TypeInterrupt:
		body = &Interrupt{}
	case TypeRagResult:
		body = &RagResult{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(env.Body, body); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
	}
	return body, nil
}
