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

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI chat completions protocol. Any
// OpenAI-compatible server works by overriding the endpoint.
type OpenAIProvider struct {
	name       string
	model      string
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIProvider creates a provider. endpoint is the API base URL
// (without /chat/completions); empty means the public OpenAI API.
func NewOpenAIProvider(name, model, endpoint, apiKey string, httpClient *http.Client) *OpenAIProvider {
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIProvider{
		name:       name,
		model:      model,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := openAIRequest{
		Model:       p.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, err, "failed to encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, err, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var decoded openAIResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errkind.Wrap(errkind.KindLLM, err, "failed to decode response")
	}
	if decoded.Error != nil {
		return nil, errkind.Newf(errkind.KindLLM, "%s error: %s", p.name, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, errkind.Newf(errkind.KindLLM, "%s returned no choices", p.name)
	}

	return &Response{
		Text:  decoded.Choices[0].Message.Content,
		Model: p.model,
		Usage: models.TokenUsage{
			Prompt:     decoded.Usage.PromptTokens,
			Completion: decoded.Usage.CompletionTokens,
			Total:      decoded.Usage.TotalTokens,
		},
	}, nil
}

func truncate(raw []byte) string {
	const limit = 512
	s := string(raw)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
