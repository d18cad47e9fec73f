// Package quality validates candidate answers before they reach the user:
// deterministic checks first, then an LLM judge, with retry feedback for
// answers that fail.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
)

// FeedbackKey is the task input key carrying reviewer issues into a retry.
const FeedbackKey = "feedback"

// disallowedMarkers are substrings that mark an answer as unfinished or
// boilerplate regardless of what the judge thinks.
var disallowedMarkers = []string{
	"TODO",
	"FIXME",
	"lorem ipsum",
	"<placeholder>",
	"as an ai language model",
	"i cannot assist with",
}

// Verdict is the outcome of validating one answer.
type Verdict struct {
	OK     bool
	Issues []string
}

type completer interface {
	Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error)
}

// Controller validates answers. The deterministic checks run first; the LLM
// judge only sees answers that pass them.
type Controller struct {
	llm     completer
	prompts *prompt.Registry
	logger  *slog.Logger
}

// NewController builds a quality controller. gateway may be nil, which
// disables the judge and keeps only the deterministic checks.
func NewController(gateway completer, prompts *prompt.Registry) *Controller {
	return &Controller{
		llm:     gateway,
		prompts: prompts,
		logger:  slog.Default().With("component", "quality"),
	}
}

// Validate checks a candidate answer against the query it answers. cited is
// the set of sources the answer claims; retrieved is everything retrieval
// actually produced for the task. A citation outside the retrieved set is a
// fabrication and fails validation.
//
// A judge outage does not fail the answer; the deterministic verdict stands
// and the outage is logged.
func (c *Controller) Validate(ctx context.Context, sessionID, query, answer string, cited, retrieved []models.Source) Verdict {
	var issues []string

	if strings.TrimSpace(answer) == "" {
		issues = append(issues, "answer is empty")
	}
	lower := strings.ToLower(answer)
	for _, marker := range disallowedMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			issues = append(issues, fmt.Sprintf("answer contains disallowed marker %q", marker))
		}
	}
	issues = append(issues, checkCitations(cited, retrieved)...)

	if len(issues) > 0 {
		return Verdict{OK: false, Issues: issues}
	}

	if judgeIssues := c.judge(ctx, sessionID, query, answer, retrieved); len(judgeIssues) > 0 {
		return Verdict{OK: false, Issues: judgeIssues}
	}
	return Verdict{OK: true}
}

// checkCitations verifies cited ⊆ retrieved by store and document id.
func checkCitations(cited, retrieved []models.Source) []string {
	if len(cited) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(retrieved))
	for _, src := range retrieved {
		allowed[src.Store+"/"+src.DocumentID] = true
	}
	var issues []string
	for _, src := range cited {
		key := src.Store + "/" + src.DocumentID
		if !allowed[key] {
			issues = append(issues, fmt.Sprintf("cited source %s was not retrieved", key))
		}
	}
	return issues
}

func (c *Controller) judge(ctx context.Context, sessionID, query, answer string, retrieved []models.Source) []string {
	if c.llm == nil || c.prompts == nil {
		return nil
	}

	var sourceList strings.Builder
	for _, src := range retrieved {
		fmt.Fprintf(&sourceList, "[%s/%s] %s\n", src.Store, src.DocumentID, src.Text)
	}
	sources := sourceList.String()
	if sources == "" {
		sources = "(none)"
	}

	tpl, err := c.prompts.Render(prompt.KeyJudge, map[string]string{
		"query":   query,
		"answer":  answer,
		"sources": sources,
	})
	if err != nil {
		c.logger.Warn("judge prompt unavailable, skipping judge", "error", err)
		return nil
	}

	resp, err := c.llm.Complete(ctx, sessionID, llm.Request{
		System:      tpl.System,
		Prompt:      tpl.User,
		Temperature: tpl.Temperature,
		MaxTokens:   tpl.MaxTokens,
	})
	if err != nil {
		c.logger.Warn("judge call failed, accepting deterministic verdict",
			"session_id", sessionID, "error", err)
		return nil
	}

	var verdict struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := llm.UnmarshalLoose(resp.Text, &verdict); err != nil {
		c.logger.Warn("unparseable judge output, accepting deterministic verdict",
			"session_id", sessionID, "error", err)
		return nil
	}
	if verdict.OK {
		return nil
	}
	if len(verdict.Issues) == 0 {
		return []string{"judge rejected the answer without naming issues"}
	}
	return verdict.Issues
}

// RetryInput builds the task input for a quality-driven retry: the original
// input plus the reviewer issues under FeedbackKey. The original map is not
// modified.
func RetryInput(input map[string]any, issues []string) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out[FeedbackKey] = "A previous attempt was rejected. Fix these issues:\n- " +
		strings.Join(issues, "\n- ")
	return out
}
