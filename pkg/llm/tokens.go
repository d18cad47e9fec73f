package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens locally, for prompt budgeting before a request is
// sent. Uses the cl100k_base encoding; falls back to a bytes/4 heuristic if
// the encoding cannot be loaded.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an estimator. The encoding loads lazily on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Failed to load tokenizer encoding, using heuristic", "error", err)
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return len(text)/4 + 1
	}
	return len(e.enc.Encode(text, nil, nil))
}
