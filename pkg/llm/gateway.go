package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/metrics"
	"github.com/helmsman-project/helmsman/pkg/models"
)

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxAttempts     = 3
)

// Gateway is the single entry point for model calls. It deduplicates
// identical requests through an LRU response cache, retries transient
// failures with exponential backoff, and accounts token usage globally and
// per session.
type Gateway struct {
	providers   map[string]Provider
	defaultName string
	cache       *lru.Cache[string, Response]
	timeout     time.Duration
	estimator   *Estimator

	mu         sync.Mutex
	total      models.TokenUsage
	perSession map[string]*models.TokenUsage
	cacheHits  int64
	calls      int64
}

// NewGateway builds a gateway from configuration, constructing one provider
// client per configured entry.
func NewGateway(cfg config.LLMConfig) (*Gateway, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	httpClient := &http.Client{Timeout: cfg.Timeout}
	for name, pc := range cfg.Providers {
		apiKey := ""
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
		}
		switch pc.Type {
		case "openai":
			providers[name] = NewOpenAIProvider(name, pc.Model, pc.Endpoint, apiKey, httpClient)
		case "anthropic":
			providers[name] = NewAnthropicProvider(name, pc.Model, pc.Endpoint, apiKey, httpClient)
		default:
			return nil, errkind.Newf(errkind.KindBadInput, "provider %q: unknown type %q", name, pc.Type)
		}
	}
	return NewGatewayWithProviders(providers, cfg.DefaultProvider, cfg.CacheCapacity, cfg.Timeout)
}

// NewGatewayWithProviders builds a gateway over pre-constructed providers.
func NewGatewayWithProviders(providers map[string]Provider, defaultName string, cacheCapacity int, timeout time.Duration) (*Gateway, error) {
	if cacheCapacity < 1 {
		cacheCapacity = 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cache, err := lru.New[string, Response](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	if defaultName == "" {
		for name := range providers {
			defaultName = name
			break
		}
	}
	return &Gateway{
		providers:   providers,
		defaultName: defaultName,
		cache:       cache,
		timeout:     timeout,
		estimator:   NewEstimator(),
		perSession:  make(map[string]*models.TokenUsage),
	}, nil
}

// cacheKey hashes everything that determines a response.
func cacheKey(provider string, req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%.4f\x00%d",
		provider, req.System, req.Prompt, req.Temperature, req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Complete runs a completion. Identical requests are served from cache
// without touching the provider or the accounting.
func (g *Gateway) Complete(ctx context.Context, sessionID string, req Request) (*Response, error) {
	name := req.Provider
	if name == "" {
		name = g.defaultName
	}
	provider, ok := g.providers[name]
	if !ok {
		return nil, errkind.Newf(errkind.KindBadInput, "unknown llm provider %q", name)
	}

	key := cacheKey(name, req)
	if cached, hit := g.cache.Get(key); hit {
		g.mu.Lock()
		g.cacheHits++
		g.mu.Unlock()
		metrics.LLMCalls.WithLabelValues(name, "hit").Inc()
		out := cached
		out.FromCache = true
		return &out, nil
	}

	var resp *Response
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		var err error
		resp, err = provider.Complete(callCtx, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if Transient(err) {
			slog.Warn("Transient LLM failure, will retry",
				"provider", name, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = 2

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errkind.KindOf(err) == errkind.KindLLM {
			return nil, err
		}
		return nil, errkind.Wrap(errkind.KindLLM, err, "llm call failed")
	}

	// Some providers (notably OpenAI-compatible proxies) omit usage from the
	// response body; fill it with a local estimate so accounting and cost
	// never silently read zero.
	if resp.Usage.Total == 0 && resp.Text != "" {
		resp.Usage.Prompt = g.estimator.Count(req.System) + g.estimator.Count(req.Prompt)
		resp.Usage.Completion = g.estimator.Count(resp.Text)
		resp.Usage.Total = resp.Usage.Prompt + resp.Usage.Completion
	}

	resp.Usage.Cost = Cost(resp.Model, resp.Usage.Prompt, resp.Usage.Completion)
	g.account(sessionID, resp.Usage)
	g.cache.Add(key, *resp)
	metrics.LLMCalls.WithLabelValues(name, "miss").Inc()
	metrics.LLMTokens.WithLabelValues(name, "prompt").Add(float64(resp.Usage.Prompt))
	metrics.LLMTokens.WithLabelValues(name, "completion").Add(float64(resp.Usage.Completion))
	return resp, nil
}

func (g *Gateway) account(sessionID string, usage models.TokenUsage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.total.Add(usage)
	if sessionID != "" {
		u, ok := g.perSession[sessionID]
		if !ok {
			u = &models.TokenUsage{}
			g.perSession[sessionID] = u
		}
		u.Add(usage)
	}
}

// SessionUsage returns accumulated usage for one session.
func (g *Gateway) SessionUsage(sessionID string) models.TokenUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u, ok := g.perSession[sessionID]; ok {
		return *u
	}
	return models.TokenUsage{}
}

// Stats is a snapshot of gateway counters.
type Stats struct {
	Calls     int64             `json:"calls"`
	CacheHits int64             `json:"cache_hits"`
	Total     models.TokenUsage `json:"total"`
}

// Usage returns global counters.
func (g *Gateway) Usage() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Calls: g.calls, CacheHits: g.cacheHits, Total: g.total}
}

// ForgetSession drops a session's accounting, called on session deletion.
func (g *Gateway) ForgetSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.perSession, sessionID)
}
