package agents

import (
	"context"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
)

// SummarizerAgent condenses text.
type SummarizerAgent struct {
	llm     completer
	prompts *prompt.Registry
}

// NewSummarizerAgent builds the summarizer agent.
func NewSummarizerAgent(gateway completer, prompts *prompt.Registry) *SummarizerAgent {
	return &SummarizerAgent{llm: gateway, prompts: prompts}
}

func (a *SummarizerAgent) Name() string { return NameSummarizer }
func (a *SummarizerAgent) Role() string { return "summarization" }

func (a *SummarizerAgent) Capabilities() []string {
	return []string{"summarize"}
}

// Execute summarizes task input "text" (default: "query") at the size in
// "size" (default: short).
func (a *SummarizerAgent) Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*scheduler.Result, error) {
	text := task.InputString("text")
	if text == "" {
		text = task.InputString("query")
	}
	if text == "" {
		return nil, errkind.New(errkind.KindBadInput, "summarize task requires text")
	}
	size := task.InputString("size")
	if size == "" {
		size = "short"
	}

	em.Status(events.StageExecuting, "summarizing")
	tpl, err := a.prompts.Render(prompt.KeySummarize, map[string]string{
		"size": size,
		"text": withFeedback(task, text),
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
