package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

type fakeProvider struct {
	name  string
	model string

	mu    sync.Mutex
	calls int
	fn    func(call int, req Request) (*Response, error)
}

func (p *fakeProvider) Name() string  { return p.name }
func (p *fakeProvider) Model() string { return p.model }
func (p *fakeProvider) Complete(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	return p.fn(n, req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func okProvider(name, model, text string) *fakeProvider {
	return &fakeProvider{name: name, model: model, fn: func(_ int, _ Request) (*Response, error) {
		return &Response{
			Text:  text,
			Model: model,
			Usage: models.TokenUsage{Prompt: 100, Completion: 50, Total: 150},
		}, nil
	}}
}

func newTestGateway(t *testing.T, p *fakeProvider) *Gateway {
	t.Helper()
	g, err := NewGatewayWithProviders(map[string]Provider{p.name: p}, p.name, 64, time.Second)
	require.NoError(t, err)
	return g
}

func TestGateway_Complete(t *testing.T) {
	p := okProvider("main", "gpt-4o-mini", "hello")
	g := newTestGateway(t, p)

	resp, err := g.Complete(context.Background(), "sess-1", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 150, resp.Usage.Total)
	assert.Positive(t, resp.Usage.Cost)
}

func TestGateway_CacheHit(t *testing.T) {
	p := okProvider("main", "gpt-4o-mini", "hello")
	g := newTestGateway(t, p)

	req := Request{System: "sys", Prompt: "hi", Temperature: 0.2, MaxTokens: 64}
	first, err := g.Complete(context.Background(), "sess-1", req)
	require.NoError(t, err)
	second, err := g.Complete(context.Background(), "sess-1", req)
	require.NoError(t, err)

	assert.Equal(t, 1, p.callCount())
	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Text, second.Text)

	// Cached responses are not re-charged.
	usage := g.SessionUsage("sess-1")
	assert.Equal(t, 150, usage.Total)
	stats := g.Usage()
	assert.Equal(t, int64(1), stats.Calls)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestGateway_CacheKeyDistinguishesParameters(t *testing.T) {
	p := okProvider("main", "gpt-4o-mini", "hello")
	g := newTestGateway(t, p)

	ctx := context.Background()
	_, err := g.Complete(ctx, "s", Request{Prompt: "hi", Temperature: 0.0})
	require.NoError(t, err)
	_, err = g.Complete(ctx, "s", Request{Prompt: "hi", Temperature: 0.7})
	require.NoError(t, err)
	_, err = g.Complete(ctx, "s", Request{Prompt: "hi", Temperature: 0.7, MaxTokens: 32})
	require.NoError(t, err)

	assert.Equal(t, 3, p.callCount())
}

func TestGateway_RetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{name: "main", model: "gpt-4o-mini", fn: func(call int, _ Request) (*Response, error) {
		if call <= 2 {
			return nil, &TransportError{Provider: "main", StatusCode: 503, Body: "overloaded"}
		}
		return &Response{Text: "recovered", Model: "gpt-4o-mini", Usage: models.TokenUsage{Total: 10}}, nil
	}}
	g := newTestGateway(t, p)

	resp, err := g.Complete(context.Background(), "s", Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, p.callCount())
}

func TestGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	p := &fakeProvider{name: "main", model: "gpt-4o-mini", fn: func(_ int, _ Request) (*Response, error) {
		return nil, &TransportError{Provider: "main", StatusCode: 429, Body: "rate limited"}
	}}
	g := newTestGateway(t, p)

	_, err := g.Complete(context.Background(), "s", Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindLLM, errkind.KindOf(err))
	assert.Equal(t, retryMaxAttempts, p.callCount())
}

func TestGateway_PermanentErrorNotRetried(t *testing.T) {
	p := &fakeProvider{name: "main", model: "gpt-4o-mini", fn: func(_ int, _ Request) (*Response, error) {
		return nil, &TransportError{Provider: "main", StatusCode: 400, Body: "bad request"}
	}}
	g := newTestGateway(t, p)

	_, err := g.Complete(context.Background(), "s", Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, p.callCount())
}

func TestGateway_UnknownProvider(t *testing.T) {
	g := newTestGateway(t, okProvider("main", "gpt-4o-mini", "x"))
	_, err := g.Complete(context.Background(), "s", Request{Provider: "ghost", Prompt: "hi"})
	assert.Equal(t, errkind.KindBadInput, errkind.KindOf(err))
}

func TestGateway_PerSessionAccounting(t *testing.T) {
	p := okProvider("main", "gpt-4o-mini", "x")
	g := newTestGateway(t, p)

	ctx := context.Background()
	_, err := g.Complete(ctx, "sess-a", Request{Prompt: "one"})
	require.NoError(t, err)
	_, err = g.Complete(ctx, "sess-a", Request{Prompt: "two"})
	require.NoError(t, err)
	_, err = g.Complete(ctx, "sess-b", Request{Prompt: "three"})
	require.NoError(t, err)

	assert.Equal(t, 300, g.SessionUsage("sess-a").Total)
	assert.Equal(t, 150, g.SessionUsage("sess-b").Total)
	assert.Equal(t, 450, g.Usage().Total.Total)

	g.ForgetSession("sess-a")
	assert.Zero(t, g.SessionUsage("sess-a").Total)
	// Global accounting is unaffected by session deletion.
	assert.Equal(t, 450, g.Usage().Total.Total)
}

func TestGateway_EstimatesUsageWhenProviderOmitsIt(t *testing.T) {
	p := &fakeProvider{name: "main", model: "gpt-4o-mini", fn: func(_ int, _ Request) (*Response, error) {
		return &Response{Text: "a perfectly useful answer", Model: "gpt-4o-mini"}, nil
	}}
	g := newTestGateway(t, p)

	resp, err := g.Complete(context.Background(), "sess-1", Request{System: "be brief", Prompt: "explain"})
	require.NoError(t, err)
	assert.Positive(t, resp.Usage.Prompt)
	assert.Positive(t, resp.Usage.Completion)
	assert.Equal(t, resp.Usage.Prompt+resp.Usage.Completion, resp.Usage.Total)

	// Estimated usage is accounted like reported usage.
	assert.Equal(t, resp.Usage.Total, g.SessionUsage("sess-1").Total)
}

func TestCost(t *testing.T) {
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o-mini", 0.15/1e6*1000 + 0.60/1e6*500},
		{"gpt-4o-2024-08-06", 2.50/1e6*1000 + 10.00/1e6*500},
		{"claude-sonnet-4-5", 3.00/1e6*1000 + 15.00/1e6*500},
		{"unknown-model", 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cost(tt.model, 1000, 500), 1e-9)
		})
	}
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(&TransportError{StatusCode: 429}))
	assert.True(t, Transient(&TransportError{StatusCode: 500}))
	assert.True(t, Transient(&TransportError{StatusCode: 503}))
	assert.False(t, Transient(&TransportError{StatusCode: 400}))
	assert.False(t, Transient(&TransportError{StatusCode: 401}))
	assert.False(t, Transient(errkind.New(errkind.KindLLM, "no choices")))
}

func TestEstimator(t *testing.T) {
	e := NewEstimator()
	n := e.Count("The quick brown fox jumps over the lazy dog.")
	assert.Positive(t, n)
	assert.Less(t, n, 20)
	// Empty text is 0 with the real encoding, 1 with the heuristic fallback.
	assert.LessOrEqual(t, e.Count(""), 1)
}
