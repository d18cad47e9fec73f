package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
)

// Tool is one capability the tool agent can invoke.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args string) (string, error)
}

// ToolAgent runs deterministic local tools. Tools never reach the LLM.
type ToolAgent struct {
	tools map[string]Tool
	order []string
}

// NewToolAgent builds a tool agent with the built-in tools plus any extras.
// An extra with a built-in name replaces it.
func NewToolAgent(extras ...Tool) *ToolAgent {
	a := &ToolAgent{tools: map[string]Tool{}}
	for _, tool := range builtinTools() {
		a.register(tool)
	}
	for _, tool := range extras {
		a.register(tool)
	}
	return a
}

func (a *ToolAgent) register(tool Tool) {
	if _, exists := a.tools[tool.Name]; !exists {
		a.order = append(a.order, tool.Name)
	}
	a.tools[tool.Name] = tool
}

func (a *ToolAgent) Name() string { return NameTool }
func (a *ToolAgent) Role() string { return "tool execution" }

func (a *ToolAgent) Capabilities() []string {
	caps := make([]string, 0, len(a.order)+1)
	caps = append(caps, "tool_use")
	for _, name := range a.order {
		caps = append(caps, "tool:"+name)
	}
	return caps
}

// Execute runs the tool named in task input "tool" with arguments from
// "args". An unknown tool is a bad_input error listing what is available.
func (a *ToolAgent) Execute(ctx context.Context, task *models.Task, em *events.Emitter) (*scheduler.Result, error) {
	name := task.InputString("tool")
	if name == "" {
		return nil, errkind.Newf(errkind.KindBadInput,
			"tool task requires a tool name; available: %s", strings.Join(a.toolNames(), ", "))
	}
	tool, ok := a.tools[name]
	if !ok {
		return nil, errkind.Newf(errkind.KindBadInput,
			"unknown tool %q; available: %s", name, strings.Join(a.toolNames(), ", "))
	}

	em.Status(events.StageExecuting, "running tool "+name)
	output, err := tool.Run(ctx, task.InputString("args"))
	if err != nil {
		return nil, err
	}
	return &scheduler.Result{Output: output}, nil
}

func (a *ToolAgent) toolNames() []string {
	names := append([]string(nil), a.order...)
	sort.Strings(names)
	return names
}

func builtinTools() []Tool {
	return []Tool{
		{
			Name:        "time",
			Description: "current UTC time in RFC 3339",
			Run: func(context.Context, string) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
		{
			Name:        "calc",
			Description: "evaluate an arithmetic expression",
			Run: func(_ context.Context, args string) (string, error) {
				value, err := evalArithmetic(strings.TrimSpace(args))
				if err != nil {
					return "", err
				}
				return formatNumber(value), nil
			},
		},
		{
			Name:        "uuid",
			Description: "generate a random UUID",
			Run: func(context.Context, string) (string, error) {
				return uuid.NewString(), nil
			},
		},
		{
			Name:        "word_count",
			Description: "count words in the argument text",
			Run: func(_ context.Context, args string) (string, error) {
				return fmt.Sprintf("%d", len(strings.Fields(args))), nil
			},
		},
	}
}
