// Package agents provides the specialist agents the scheduler dispatches
// to: chat, research, compute, translate, summarize, and tool execution.
// Every agent talks to models through the LLM gateway and reports progress
// through the event emitter it is handed.
package agents

import (
	"context"
	"strconv"

	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/quality"
)

// Canonical agent names. The planner and orchestrator address agents by
// these.
const (
	NameChat       = "chat"
	NameResearcher = "researcher"
	NameCompute    = "compute"
	NameTranslator = "translator"
	NameSummarizer = "summarizer"
	NameTool       = "tool"
)

type completer interface {
	Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error)
}

// complete renders nothing; it just ships an already-rendered template
// through the gateway.
func complete(ctx context.Context, gateway completer, sessionID string, tpl models.PromptTemplate) (*llm.Response, error) {
	return gateway.Complete(ctx, sessionID, llm.Request{
		System:      tpl.System,
		Prompt:      tpl.User,
		Temperature: tpl.Temperature,
		MaxTokens:   tpl.MaxTokens,
	})
}

// withFeedback appends reviewer feedback from a rejected earlier attempt to
// the text an agent is about to act on.
func withFeedback(task *models.Task, text string) string {
	if fb := task.InputString(quality.FeedbackKey); fb != "" {
		return text + "\n\n" + fb
	}
	return text
}

// inputInt reads an integer task input. JSON round-trips deliver numbers as
// float64, so both forms are accepted.
func inputInt(task *models.Task, key string, fallback int) int {
	switch v := task.Input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
