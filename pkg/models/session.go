// Package models defines the core domain types shared across components.
package models

import "time"

// TurnRole identifies who authored a conversation turn.
type TurnRole string

// Turn roles.
const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is a single user or assistant message within a session.
// Turns are append-only.
type ConversationTurn struct {
	Role      TurnRole  `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`
}

// Session is the long-lived container for a user's conversation, tasks and
// events. Created on first client connection, retained until explicit
// deletion. Mutated only through the session store, which serializes writes
// per session to preserve the monotonic event timestamp invariant.
type Session struct {
	ID        string             `json:"session_id"`
	CreatedAt time.Time          `json:"created_at"`
	Turns     []ConversationTurn `json:"turns,omitempty"`
}

// TokenUsage accumulates token accounting for one or more LLM calls.
type TokenUsage struct {
	Prompt     int     `json:"prompt"`
	Completion int     `json:"completion"`
	Total      int     `json:"total"`
	Cost       float64 `json:"cost"`
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
	u.Cost += other.Cost
}

// Source is a retrieved document fragment with its relevance score.
type Source struct {
	Store      string         `json:"store"`
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
