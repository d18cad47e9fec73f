package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"

	// The Messages API requires max_tokens; used when the request leaves it
	// unset.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	name       string
	model      string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewAnthropicProvider creates a provider. endpoint empty means the public
// Anthropic API.
func NewAnthropicProvider(name, model, endpoint, apiKey string, httpClient *http.Client) *AnthropicProvider {
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AnthropicProvider{
		name:       name,
		model:      model,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Model() string { return p.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	body := anthropicRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, err, "failed to encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, err, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s response read failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Provider: p.name, StatusCode: resp.StatusCode, Body: truncate(raw)}
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errkind.Wrap(errkind.KindLLM, err, "failed to decode response")
	}
	if decoded.Error != nil {
		return nil, errkind.Newf(errkind.KindLLM, "%s error: %s", p.name, decoded.Error.Message)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errkind.Newf(errkind.KindLLM, "%s returned no text content", p.name)
	}

	usage := models.TokenUsage{
		Prompt:     decoded.Usage.InputTokens,
		Completion: decoded.Usage.OutputTokens,
	}
	usage.Total = usage.Prompt + usage.Completion

	return &Response{
		Text:  text.String(),
		Model: p.model,
		Usage: usage,
	}, nil
}
