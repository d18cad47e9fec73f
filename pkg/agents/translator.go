package agents

import (
	"context"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
)

// TranslatorAgent translates text between languages.
type TranslatorAgent struct {
	llm     completer
	prompts *prompt.Registry
}

// NewTranslatorAgent builds the translator agent.
func NewTranslatorAgent(gateway completer, prompts *prompt.Registry) *TranslatorAgent {
	return &TranslatorAgent{llm: gateway, prompts: prompts}
}

func (a *TranslatorAgent) Name() string { return NameTranslator }
func (a *TranslatorAgent) Role() string { return "translation" }

func (a *TranslatorAgent) Capabilities() []string {
	return []string{"translate"}
}

// Execute translates task input "text" (default: "query") into the language
// in "target" (default: English).
func (a *TranslatorAgent) Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*scheduler.Result, error) {
	text := task.InputString("text")
	if text == "" {
		text = task.InputString("query")
	}
	if text == "" {
		return nil, errkind.New(errkind.KindBadInput, "translate task requires text")
	}
	target := task.InputString("target")
	if target == "" {
		target = "English"
	}

	em.Status(events.StageExecuting, "translating")
	tpl, err := a.prompts.Render(prompt.KeyTranslate, map[string]string{
		"target": target,
		"text":   withFeedback(task, text),
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
