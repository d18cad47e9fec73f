package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/prompt"
)

type scriptedGateway struct {
	responses []string
	errs      []error
	calls     int
}

func (g *scriptedGateway) Complete(context.Context, string, llm.Request) (*llm.Response, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i < len(g.responses) {
		return &llm.Response{Text: g.responses[i]}, nil
	}
	return &llm.Response{Text: ""}, nil
}

func newClassifier(gateway *scriptedGateway) *Classifier {
	return New(gateway, prompt.NewRegistry(nil), []string{"hi", "hello", "thanks"})
}

func TestClassify_ParsesIntent(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "knowledge_lookup", "confidence": 0.92, "reason": "asks about documented behavior"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "how does the deploy pipeline work?")
	require.NoError(t, err)
	assert.Equal(t, IntentKnowledge, result.Intent)
	assert.Equal(t, 0.92, result.Confidence)
	assert.Equal(t, 1, gw.calls)
}

func TestClassify_EmptyQueryCostsNothing(t *testing.T) {
	gw := &scriptedGateway{}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "   ")
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, result.Intent)
	assert.Zero(t, result.Confidence)
	assert.Zero(t, gw.calls, "empty query must not reach the LLM")
}

func TestClassify_LowConfidenceShortQueryIsCasualChat(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "unknown", "confidence": 0.2, "reason": "unclear"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "hey there")
	require.NoError(t, err)
	assert.Equal(t, IntentCasualChat, result.Intent)
	assert.Equal(t, 1, gw.calls, "the tie-break must not trigger another call")
}

func TestClassify_LowConfidenceGreetingIsCasualChat(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "tool_use", "confidence": 0.1, "reason": "?"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "Hello")
	require.NoError(t, err)
	assert.Equal(t, IntentCasualChat, result.Intent)
}

func TestClassify_LowConfidenceLongQueryKeepsVerdict(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "compute", "confidence": 0.3, "reason": "maybe math"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "what is the sum of the first hundred primes")
	require.NoError(t, err)
	assert.Equal(t, IntentCompute, result.Intent)
}

func TestClassify_ConfidentShortQueryKeepsVerdict(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "translate", "confidence": 0.95, "reason": "explicit translate request"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "translate bonjour")
	require.NoError(t, err)
	assert.Equal(t, IntentTranslate, result.Intent)
}

func TestClassify_RetriesUnparseableOutputWithStrictFormat(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		"Sure! I'd classify this as a knowledge lookup.",
		`{"intent": "knowledge_lookup", "confidence": 0.8, "reason": "retry"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "where are the audit logs kept")
	require.NoError(t, err)
	assert.Equal(t, IntentKnowledge, result.Intent)
	assert.Equal(t, 2, gw.calls)
}

func TestClassify_DegradesToUnknownAfterRetry(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"prose", "more prose"}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "where are the audit logs kept")
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, result.Intent)
	assert.Zero(t, result.Confidence)
	assert.Equal(t, 2, gw.calls)
}

func TestClassify_OffMenuIntentBecomesUnknown(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "weather_forecast", "confidence": 0.9, "reason": "?"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "will it rain during the maintenance window tomorrow")
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, result.Intent)
}

func TestClassify_ClampsConfidence(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		`{"intent": "compute", "confidence": 1.7, "reason": "?"}`,
	}}
	c := newClassifier(gw)

	result, err := c.Classify(context.Background(), "sess", "compute the checksum of this release artifact")
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestClassify_CancelledContextPropagates(t *testing.T) {
	gw := &scriptedGateway{errs: []error{context.Canceled}}
	c := newClassifier(gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, "sess", "anything at all here")
	require.Error(t, err)
	assert.Equal(t, errkind.KindInterrupted, errkind.KindOf(err))
}

func TestRouteFor(t *testing.T) {
	planned := []Intent{IntentKnowledge, IntentPlanAndExecute}
	direct := []Intent{IntentCasualChat, IntentTranslate, IntentSummarize, IntentCompute, IntentToolUse, IntentUnknown}

	for _, intent := range planned {
		assert.Equal(t, RoutePlanned, RouteFor(intent), "intent %s", intent)
	}
	for _, intent := range direct {
		assert.Equal(t, RouteDirect, RouteFor(intent), "intent %s", intent)
	}
}
