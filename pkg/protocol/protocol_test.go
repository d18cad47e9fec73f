package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-project/helmsman/pkg/models"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("manager", "retrieval", "sess-1", "task-1", 7, TaskAssignment{
		Agent: "retrieval",
		Input: map[string]any{"query": "how do deployments roll back"},
	})
	require.NoError(t, err)

	assert.Equal(t, TypeTaskAssignment, env.Type)
	assert.Equal(t, "manager", env.Sender)
	assert.Equal(t, "retrieval", env.Recipient)
	assert.Equal(t, 7, env.Priority)
	assert.True(t, strings.HasPrefix(env.MessageID, "msg_"))
	assert.False(t, env.Timestamp.IsZero())
}

func TestNewEnvelope_ClampsPriority(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"below minimum", 0, models.MinPriority},
		{"above maximum", 99, models.MaxPriority},
		{"in range", 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope("manager", "chat", "s", "t", tt.in, AgentStarted{Agent: "chat"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Priority)
		})
	}
}

func TestNewEnvelope_RejectsUnknownBody(t *testing.T) {
	_, err := NewEnvelope("manager", "chat", "s", "t", 5, struct{ X int }{1})
	assert.Error(t, err)
}

func TestDecodeBody_RoundTrip(t *testing.T) {
	env, err := NewEnvelope("retrieval", "manager", "sess-1", "task-1", 5, AgentCompleted{
		Agent:  "retrieval",
		Output: "three matching documents",
		Sources: []models.Source{
			{Store: "runbooks", DocumentID: "doc-1", Score: 0.91},
		},
		Tokens: models.TokenUsage{Prompt: 120, Completion: 40, Total: 160},
	})
	require.NoError(t, err)

	// Simulate transport.
	wire, err := json.Marshal(env)
	require.NoError(t, err)
	var received Envelope
	require.NoError(t, json.Unmarshal(wire, &received))

	body, err := DecodeBody(received)
	require.NoError(t, err)
	completed, ok := body.(*AgentCompleted)
	require.True(t, ok)
	assert.Equal(t, "retrieval", completed.Agent)
	require.Len(t, completed.Sources, 1)
	assert.Equal(t, "runbooks", completed.Sources[0].Store)
	assert.Equal(t, 160, completed.Tokens.Total)
}

func TestDecodeBody_EveryType(t *testing.T) {
	bodies := []any{
		TaskAssignment{Agent: "compute"},
		AgentStarted{Agent: "compute"},
		StatusUpdate{Agent: "compute", Message: "working", Step: 1, Total: 3},
		AgentCompleted{Agent: "compute", Output: "42"},
		AgentFailed{Agent: "compute", Kind: "timeout", Message: "deadline exceeded"},
		Interrupt{TaskID: "task-1", Reason: "user requested"},
		RagResult{Query: "q", FromCache: true},
	}

	for _, body := range bodies {
		env, err := NewEnvelope("a", "b", "s", "t", 5, body)
		require.NoError(t, err)
		decoded, err := DecodeBody(env)
		require.NoError(t, err, "type %s", env.Type)
		require.NotNil(t, decoded)
	}
}

func TestDecodeBody_UnknownType(t *testing.T) {
	env := Envelope{Type: MessageType("bogus"), Body: json.RawMessage(`{}`)}
	_, err := DecodeBody(env)
	assert.Error(t, err)
}
