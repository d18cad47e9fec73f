package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
	"github.com/helmsman-project/helmsman/pkg/retrieval"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
)

// ResearchAgent answers knowledge questions from the configured stores:
// retrieve, then answer strictly from the retrieved context.
type ResearchAgent struct {
	svc     *retrieval.Service
	llm     completer
	prompts *prompt.Registry
}

// NewResearchAgent builds the research agent.
func NewResearchAgent(svc *retrieval.Service, gateway completer, prompts *prompt.Registry) *ResearchAgent {
	return &ResearchAgent{svc: svc, llm: gateway, prompts: prompts}
}

func (a *ResearchAgent) Name() string { return NameResearcher }
func (a *ResearchAgent) Role() string { return "knowledge retrieval" }

func (a *ResearchAgent) Capabilities() []string {
	return []string{"knowledge_lookup"}
}

// Execute retrieves for the query in task input "query" and answers from the
// results. Optional inputs: "stores" (comma-separated names, default routed
// automatically) and "k" (result count).
func (a *ResearchAgent) Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*scheduler.Result, error) {
	query := task.InputString("query")
	if query == "" {
		return nil, errkind.New(errkind.KindBadInput, "research task requires a query")
	}
	k := inputInt(task, "k", retrieval.DefaultTopK)

	em.Status(events.StageRetrieval, "searching knowledge stores")

	var (
		sources   []models.Source
		fromCache bool
		err       error
	)
	if names := task.InputString("stores"); names != "" {
		sources, fromCache, err = a.svc.QueryMulti(ctx, splitStoreNames(names), query, k)
	} else {
		sources, fromCache, err = a.svc.QueryAuto(ctx, task.SessionID, query, k)
	}
	if err != nil {
		return nil, err
	}
	em.Retrieved(query, sources, fromCache)

	if len(sources) == 0 {
		return &scheduler.Result{
			Output: "No relevant documents were found in the knowledge stores for this question.",
		}, nil
	}

	em.Status(events.StageSynthesis, "answering from retrieved context")
	tpl, err := a.prompts.Render(prompt.KeyRetrievalAnswer, map[string]string{
		"query":   withFeedback(task, query),
		"context": formatContext(sources),
	})
	if err != nil {
		return nil, err
	}
	resp, err := complete(ctx, a.llm, task.SessionID, tpl)
	if err != nil {
		return nil, err
	}
	return &scheduler.Result{Output: resp.Text, Sources: sources, Tokens: resp.Usage}, nil
}

func splitStoreNames(names string) []string {
	var out []string
	for _, name := range strings.Split(names, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func formatContext(sources []models.Source) string {
	var b strings.Builder
	for _, src := range sources {
		fmt.Fprintf(&b, "[%s/%s]\n%s\n\n", src.Store, src.DocumentID, src.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
