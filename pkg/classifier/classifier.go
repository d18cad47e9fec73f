// Package classifier maps user queries to intents that drive routing in the
// orchestrator. Classification is one LLM call with structured output, with
// a strict-format retry and a deterministic short-query tie-break.
package classifier

import (
	"context"
	"log/slog"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/prompt"
)

// Intent is the classified purpose of a user query.
type Intent string

// The closed intent set. Anything the classifier cannot place lands on
// IntentUnknown, never on a made-up label.
const (
	IntentCasualChat     Intent = "casual_chat"
	IntentKnowledge      Intent = "knowledge_lookup"
	IntentCompute        Intent = "compute"
	IntentTranslate      Intent = "translate"
	IntentSummarize      Intent = "summarize"
	IntentToolUse        Intent = "tool_use"
	IntentPlanAndExecute Intent = "plan_and_execute"
	IntentUnknown        Intent = "unknown"
)

// Route selects the orchestration path for an intent.
type Route string

// Routes. Direct intents run a single specialist; planned intents go
// through the planner first.
const (
	RouteDirect  Route = "direct"
	RoutePlanned Route = "planned"
)

// lowConfidenceThreshold triggers the short-query tie-break.
const lowConfidenceThreshold = 0.4

var validIntents = map[Intent]bool{
	IntentCasualChat: true, IntentKnowledge: true, IntentCompute: true,
	IntentTranslate: true, IntentSummarize: true, IntentToolUse: true,
	IntentPlanAndExecute: true, IntentUnknown: true,
}

// RouteFor returns the orchestration path for an intent. Unknown queries are
// handled as direct chat rather than refused.
func RouteFor(intent Intent) Route {
	switch intent {
	case IntentKnowledge, IntentPlanAndExecute:
		return RoutePlanned
	default:
		return RouteDirect
	}
}

// Classification is the classifier verdict for one query.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type completer interface {
	Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error)
}

// Classifier classifies queries through the LLM gateway.
type Classifier struct {
	llm       completer
	prompts   *prompt.Registry
	greetings map[string]bool
	logger    *slog.Logger
}

// New builds a classifier. greetings are matched case-insensitively against
// the whole trimmed query.
func New(gateway completer, prompts *prompt.Registry, greetings []string) *Classifier {
	set := make(map[string]bool, len(greetings))
	for _, g := range greetings {
		set[strings.ToLower(strings.TrimSpace(g))] = true
	}
	return &Classifier{
		llm:       gateway,
		prompts:   prompts,
		greetings: set,
		logger:    slog.Default().With("component", "classifier"),
	}
}

// Classify determines the intent of a query.
//
// An empty query is unknown with zero confidence and costs no LLM call. A
// low-confidence verdict on a short or greeting-like query resolves to
// casual_chat without a second call; retrying the model on "hi" wastes
// tokens to learn nothing. Unparseable output gets one strict-format retry,
// after which the query degrades to unknown rather than failing the turn.
func (c *Classifier) Classify(ctx context.Context, sessionID, query string) (Classification, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Classification{Intent: IntentUnknown, Confidence: 0}, nil
	}

	result, err := c.classifyOnce(ctx, sessionID, prompt.KeyClassifier, trimmed)
	if err == nil {
		return c.applyTieBreak(trimmed, result), nil
	}
	if ctx.Err() != nil {
		return Classification{}, err
	}
	c.logger.Warn("classifier output unusable, retrying with strict format",
		"session_id", sessionID, "error", err)

	result, err = c.classifyOnce(ctx, sessionID, prompt.KeyClassifierStrict, trimmed)
	if err == nil {
		return c.applyTieBreak(trimmed, result), nil
	}
	if ctx.Err() != nil {
		return Classification{}, err
	}
	c.logger.Warn("strict classification failed, treating query as unknown",
		"session_id", sessionID, "error", err)
	return Classification{Intent: IntentUnknown, Confidence: 0}, nil
}

func (c *Classifier) classifyOnce(ctx context.Context, sessionID, promptKey, query string) (Classification, error) {
	tpl, err := c.prompts.Render(promptKey, map[string]string{"query": query})
	if err != nil {
		return Classification{}, err
	}
	resp, err := c.llm.Complete(ctx, sessionID, llm.Request{
		System:      tpl.System,
		Prompt:      tpl.User,
		Temperature: tpl.Temperature,
		MaxTokens:   tpl.MaxTokens,
	})
	if err != nil {
		return Classification{}, err
	}

	var result Classification
	if err := llm.UnmarshalLoose(resp.Text, &result); err != nil {
		return Classification{}, err
	}
	if !validIntents[result.Intent] {
		result.Intent = IntentUnknown
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	} else if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result, nil
}

// applyTieBreak resolves low-confidence verdicts on trivially short or
// greeting-like queries to casual_chat.
func (c *Classifier) applyTieBreak(query string, result Classification) Classification {
	if result.Confidence >= lowConfidenceThreshold {
		return result
	}
	short := len(strings.Fields(query)) <= 3
	greeting := c.greetings[strings.ToLower(query)]
	if short || greeting {
		result.Intent = IntentCasualChat
		result.Reason = "short or greeting-like query with low classifier confidence"
	}
	return result
}
