// Package llm provides the gateway through which every model call flows:
// provider clients, response caching, retry with backoff, and token
// accounting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/helmsman-project/helmsman/pkg/models"
)

// Request is a single completion request.
type Request struct {
	Provider    string // provider name; empty selects the gateway default
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is a completion result.
type Response struct {
	Text      string
	Model     string
	Usage     models.TokenUsage
	FromCache bool
}

// Provider is one upstream model API.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// TransportError is an HTTP-level failure from a provider. Status 429 and
// 5xx are transient and retried by the gateway.
type TransportError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether an error is worth retrying: rate limits, server
// errors, and network timeouts.
func Transient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == 429 || te.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
