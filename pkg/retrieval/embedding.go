package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"strings"

	"github.com/philippgille/chromem-go"

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
)

const localEmbeddingDims = 256

// Embedder pairs an embedding function with a stable model identifier. The
// identifier participates in retrieval cache keys so results embedded under
// different models never collide.
type Embedder struct {
	Func    chromem.EmbeddingFunc
	ModelID string
}

// NewEmbedder builds an embedder from configuration.
func NewEmbedder(cfg config.EmbeddingConfig) (*Embedder, error) {
	switch cfg.Provider {
	case "", "local":
		return &Embedder{Func: localEmbedding, ModelID: "local-fnv-256"}, nil
	case "openai":
		model := cfg.Model
		if model == "" {
			model = string(chromem.EmbeddingModelOpenAI3Small)
		}
		apiKey := ""
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}
		return &Embedder{
			Func:    chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model)),
			ModelID: "openai-" + model,
		}, nil
	default:
		return nil, errkind.Newf(errkind.KindBadInput, "unknown embedding provider %q", cfg.Provider)
	}
}

// localEmbedding is a deterministic feature-hashing embedding for
// development and tests. It captures token overlap, not semantics, which is
// enough for exercising the retrieval pipeline without network access.
func localEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localEmbeddingDims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%localEmbeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// chromem rejects zero vectors; give empty text a fixed direction.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
