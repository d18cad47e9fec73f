package agents

import (
	"context"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
)

// ChatAgent answers conversational queries. It also serves as the fallback
// for queries the classifier could not place.
type ChatAgent struct {
	llm     completer
	prompts *prompt.Registry
}

// NewChatAgent builds the chat agent.
func NewChatAgent(gateway completer, prompts *prompt.Registry) *ChatAgent {
	return &ChatAgent{llm: gateway, prompts: prompts}
}

func (a *ChatAgent) Name() string { return NameChat }
func (a *ChatAgent) Role() string { return "conversation" }

func (a *ChatAgent) Capabilities() []string {
	return []string{"casual_chat", "unknown"}
}

// Execute answers the query in task input "query", with optional
// preformatted conversation history in "history".
func (a *ChatAgent) Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*scheduler.Result, error) {
	query := task.InputString("query")
	if query == "" {
		return nil, errkind.New(errkind.KindBadInput, "chat task requires a query")
	}

	history := task.InputString("history")
	if history != "" && !strings.HasSuffix(history, "\n") {
		history += "\n"
	}

	em.Status(events.StageExecuting, "composing reply")
	tpl, err := a.prompts.Render(prompt.KeyChat, map[string]string{
		"history": history,
		"query":   withFeedback(task, query),
	})
	if err != nil {
		return nil, err
	}
	resp, err := complete(ctx, a.llm, task.SessionID, tpl)
	if err != nil {
		return nil, err
	}
	return &scheduler.Result{Output: resp.Text, Tokens: resp.Usage}, nil
}
