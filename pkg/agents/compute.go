package agents

import (
	"context"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
)

// ComputeAgent handles computational queries. Pure arithmetic expressions
// are evaluated locally; everything else goes to the model with a
// computation-focused prompt.
type ComputeAgent struct {
	llm     completer
	prompts *prompt.Registry
}

// NewComputeAgent builds the compute agent.
func NewComputeAgent(gateway completer, prompts *prompt.Registry) *ComputeAgent {
	return &ComputeAgent{llm: gateway, prompts: prompts}
}

func (a *ComputeAgent) Name() string { return NameCompute }
func (a *ComputeAgent) Role() string { return "computation" }

func (a *ComputeAgent) Capabilities() []string {
	return []string{"compute"}
}

// Execute answers the computational query in task input "query". The
// expression form ("2 * (3 + 4)") costs no LLM call.
func (a *ComputeAgent) Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*scheduler.Result, error) {
	query := task.InputString("query")
	if query == "" {
		return nil, errkind.New(errkind.KindBadInput, "compute task requires a query")
	}

	if value, err := evalArithmetic(query); err == nil {
		em.Status(events.StageExecuting, "evaluated expression locally")
		return &scheduler.Result{Output: "Result: " + formatNumber(value)}, nil
	}

	em.Status(events.StageExecuting, "computing")
	tpl, err := a.prompts.Render(prompt.KeyCompute, map[string]string{
		"query": withFeedback(task, query),
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
