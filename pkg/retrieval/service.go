package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/metrics"
	"github.com/helmsman-project/helmsman/pkg/models"
	"github.com/helmsman-project/helmsman/pkg/prompt"
)

// DefaultTopK is used when a query does not specify a result count.
const DefaultTopK = 5

// completer is the slice of the LLM gateway the router needs.
type completer interface {
	Complete(ctx context.Context, sessionID string, req llm.Request) (*llm.Response, error)
}

// Service runs queries against one or more stores: parallel fanout, score
// merging with per-document dedup, and a TTL result cache.
type Service struct {
	provider Provider
	llm      completer
	prompts  *prompt.Registry
	sem      chan struct{}
	cache    *expirable.LRU[string, []models.Source]
	modelID  string
	logger   *slog.Logger
}

// NewService wires the retrieval service. gateway may be nil; QueryAuto then
// falls back to querying every store.
func NewService(cfg config.RetrievalConfig, provider Provider, gateway completer, prompts *prompt.Registry, modelID string) *Service {
	fanout := cfg.Fanout
	if fanout < 1 {
		fanout = 1
	}
	return &Service{
		provider: provider,
		llm:      gateway,
		prompts:  prompts,
		sem:      make(chan struct{}, fanout),
		cache:    expirable.NewLRU[string, []models.Source](cfg.CacheCapacity, nil, cfg.CacheTTL),
		modelID:  modelID,
		logger:   slog.Default().With("component", "retrieval"),
	}
}

// QuerySingle queries one store.
func (s *Service) QuerySingle(ctx context.Context, store, text string, k int) ([]models.Source, bool, error) {
	return s.QueryMulti(ctx, []string{store}, text, k)
}

// QueryMulti queries the named stores in parallel and merges the results:
// duplicates (same document id) keep their highest score, the merged list is
// sorted by score descending with store registration order breaking ties,
// and only the top k survive. An empty store list means every store.
//
// All store names are validated and resolved before any backend is touched,
// so a single bad name fails the whole query as bad_input.
func (s *Service) QueryMulti(ctx context.Context, storeNames []string, text string, k int) ([]models.Source, bool, error) {
	if strings.TrimSpace(text) == "" {
		return nil, false, errkind.New(errkind.KindBadInput, "query text is required")
	}
	if k <= 0 {
		k = DefaultTopK
	}

	var stores []Store
	if len(storeNames) == 0 {
		stores = s.provider.All()
	} else {
		stores = make([]Store, 0, len(storeNames))
		seen := map[string]bool{}
		for _, name := range storeNames {
			if seen[name] {
				continue
			}
			seen[name] = true
			store, err := s.provider.Resolve(name)
			if err != nil {
				return nil, false, err
			}
			stores = append(stores, store)
		}
	}
	if len(stores) == 0 {
		return nil, false, nil
	}

	key := s.cacheKey(stores, text, k)
	if cached, ok := s.cache.Get(key); ok {
		metrics.RetrievalQueries.WithLabelValues("hit").Inc()
		return cloneSources(cached), true, nil
	}

	perStore := make([][]models.Source, len(stores))
	errs := make([]error, len(stores))
	var wg sync.WaitGroup
	for i, store := range stores {
		wg.Add(1)
		go func(i int, store Store) {
			defer wg.Done()
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-ctx.Done():
				errs[i] = errkind.Wrap(errkind.KindOf(ctx.Err()), ctx.Err(), "query %s", store.Name())
				return
			}
			sources, err := store.Search(ctx, text, k)
			if err != nil {
				errs[i] = err
				return
			}
			perStore[i] = sources
		}(i, store)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, false, errkind.Wrap(errkind.KindOf(err), err, "query interrupted")
	}

	failed := 0
	var firstErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Warn("store query failed, continuing without it",
			"store", stores[i].Name(), "error", err)
	}
	if failed == len(stores) {
		return nil, false, firstErr
	}

	merged := s.merge(perStore, k)
	s.cache.Add(key, cloneSources(merged))
	metrics.RetrievalQueries.WithLabelValues("miss").Inc()
	return merged, false, nil
}

// QueryAuto asks the router prompt which stores fit the query, then runs
// QueryMulti over them. Routing failures degrade to querying every store.
func (s *Service) QueryAuto(ctx context.Context, sessionID, text string, k int) ([]models.Source, bool, error) {
	selected := s.routeStores(ctx, sessionID, text)
	return s.QueryMulti(ctx, selected, text, k)
}

func (s *Service) routeStores(ctx context.Context, sessionID, text string) []string {
	all := s.provider.All()
	if s.llm == nil || s.prompts == nil || len(all) <= 1 {
		return nil
	}

	var listing strings.Builder
	for _, store := range all {
		fmt.Fprintf(&listing, "%s: %s\n", store.Name(), store.Description())
	}
	tpl, err := s.prompts.Render(prompt.KeyRouter, map[string]string{
		"stores": listing.String(),
		"query":  text,
	})
	if err != nil {
		s.logger.Warn("router prompt unavailable, querying all stores", "error", err)
		return nil
	}

	resp, err := s.llm.Complete(ctx, sessionID, llm.Request{
		System:      tpl.System,
		Prompt:      tpl.User,
		Temperature: tpl.Temperature,
		MaxTokens:   tpl.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("store routing failed, querying all stores", "error", err)
		return nil
	}

	var routed struct {
		Stores []string `json:"stores"`
	}
	if err := llm.UnmarshalLoose(resp.Text, &routed); err != nil {
		s.logger.Warn("unparseable routing output, querying all stores", "error", err)
		return nil
	}

	var known []string
	for _, name := range routed.Stores {
		if _, err := s.provider.Resolve(name); err == nil {
			known = append(known, name)
		}
	}
	return known
}

// merge deduplicates by document id keeping the highest score, then sorts by
// score descending. Equal scores order by store registration position, then
// document id, so merged results are deterministic.
func (s *Service) merge(perStore [][]models.Source, k int) []models.Source {
	best := map[string]models.Source{}
	for _, sources := range perStore {
		for _, src := range sources {
			current, ok := best[src.DocumentID]
			if !ok || src.Score > current.Score ||
				(src.Score == current.Score && s.provider.OrderIndex(src.Store) < s.provider.OrderIndex(current.Store)) {
				best[src.DocumentID] = src
			}
		}
	}

	merged := make([]models.Source, 0, len(best))
	for _, src := range best {
		merged = append(merged, src)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		oi, oj := s.provider.OrderIndex(merged[i].Store), s.provider.OrderIndex(merged[j].Store)
		if oi != oj {
			return oi < oj
		}
		return merged[i].DocumentID < merged[j].DocumentID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// cacheKey is independent of the order stores were requested in; the merge
// itself is order-independent because ties break on registration order.
func (s *Service) cacheKey(stores []Store, text string, k int) string {
	names := make([]string, len(stores))
	for i, store := range stores {
		names[i] = store.Name()
	}
	sort.Strings(names)
	return fmt.Sprintf("%s\x00%s\x00%d\x00%s", s.modelID, strings.Join(names, ","), k, text)
}

func cloneSources(in []models.Source) []models.Source {
	out := make([]models.Source, len(in))
	copy(out, in)
	return out
}
