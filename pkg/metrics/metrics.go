// Package metrics exposes Prometheus instrumentation for the engine.
// Collectors register on the default registry; Handler serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts task submissions by agent.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_tasks_submitted_total",
		Help: "Tasks submitted to the scheduler.",
	}, []string{"agent"})

	// TasksFinished counts terminal task outcomes by agent and state.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_tasks_finished_total",
		Help: "Tasks that reached a terminal state.",
	}, []string{"agent", "state"})

	// TasksRunning tracks the number of currently running tasks.
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "helmsman_tasks_running",
		Help: "Tasks currently in the running state.",
	})

	// EventsEmitted counts events processed by the bus.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_events_emitted_total",
		Help: "Events dispatched by the event bus.",
	}, []string{"type"})

	// LLMCalls counts gateway completions by provider and cache outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_llm_calls_total",
		Help: "LLM gateway completions.",
	}, []string{"provider", "cache"})

	// LLMTokens counts tokens by provider and direction.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_llm_tokens_total",
		Help: "Tokens consumed through the LLM gateway.",
	}, []string{"provider", "direction"})

	// RetrievalQueries counts multi-store queries by cache outcome.
	RetrievalQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_retrieval_queries_total",
		Help: "Retrieval queries served.",
	}, []string{"cache"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CacheLabel converts a cache-hit flag to its label value.
func CacheLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
