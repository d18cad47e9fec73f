// Package retrieval implements the knowledge-store layer: named vector
// stores, document ingestion, and parallel multi-store querying with score
// merging and a short-lived result cache.
package retrieval

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/models"
)

// Store is a single named knowledge store.
type Store interface {
	Name() string
	Description() string
	Count() int
	Add(ctx context.Context, docs []models.Document) error
	Search(ctx context.Context, text string, k int) ([]models.Source, error)
}

// Provider resolves stores by name and enumerates them in registration
// order. The order is the tie-break for equal-score results in merged
// queries.
type Provider interface {
	Resolve(name string) (Store, error)
	All() []Store
	OrderIndex(name string) int
}

// Registry is the chromem-go backed Provider. Stores map to chromem
// collections inside one database, optionally persisted to disk.
type Registry struct {
	mu       sync.RWMutex
	db       *chromem.DB
	embedder *Embedder
	stores   map[string]*collectionStore
	order    []string

	persistPath string
}

// NewRegistry opens (or creates) the vector database and reattaches any
// collections already persisted in it.
func NewRegistry(cfg config.RetrievalConfig) (*Registry, error) {
	embedder, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, true)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindStore, err, "open vector database")
		}
	} else {
		db = chromem.NewDB()
	}

	r := &Registry{
		db:          db,
		embedder:    embedder,
		stores:      map[string]*collectionStore{},
		persistPath: cfg.PersistPath,
	}
	// Reattach persisted collections. Descriptions are not recoverable from
	// chromem and come back empty until the store is recreated.
	names := make([]string, 0, len(db.ListCollections()))
	for name := range db.ListCollections() {
		if models.ValidateStoreName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		r.stores[name] = &collectionStore{name: name, col: db.GetCollection(name, embedder.Func)}
		r.order = append(r.order, name)
	}
	return r, nil
}

// Embedder exposes the active embedding function, mainly so query caches can
// key on its model identifier.
func (r *Registry) Embedder() *Embedder {
	return r.embedder
}

// CreateStore registers a new named store.
func (r *Registry) CreateStore(name, description string) (Store, error) {
	if err := models.ValidateStoreName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; ok {
		return nil, errkind.Newf(errkind.KindBadInput, "store %q already exists", name)
	}

	col, err := r.db.GetOrCreateCollection(name, map[string]string{"description": description}, r.embedder.Func)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "create collection")
	}
	s := &collectionStore{name: name, description: description, col: col}
	r.stores[name] = s
	r.order = append(r.order, name)
	return s, nil
}

// DeleteStore removes a store and its documents.
func (r *Registry) DeleteStore(name string) error {
	if err := models.ValidateStoreName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; !ok {
		return errkind.Newf(errkind.KindNotFound, "store %q not found", name)
	}
	if err := r.db.DeleteCollection(name); err != nil {
		return errkind.Wrap(errkind.KindStore, err, "delete collection")
	}
	delete(r.stores, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Resolve returns the store with the given name.
func (r *Registry) Resolve(name string) (Store, error) {
	if err := models.ValidateStoreName(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		return nil, errkind.Newf(errkind.KindNotFound, "store %q not found", name)
	}
	return s, nil
}

// All returns every store in registration order.
func (r *Registry) All() []Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Store, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.stores[name])
	}
	return out
}

// OrderIndex returns the registration position of a store, or a large value
// for unknown names so they sort last.
func (r *Registry) OrderIndex(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}

// List describes every store for API consumers.
func (r *Registry) List() []models.StoreDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StoreDescriptor, 0, len(r.order))
	for _, name := range r.order {
		s := r.stores[name]
		out = append(out, models.StoreDescriptor{
			Name:          s.name,
			Description:   s.description,
			DocumentCount: s.Count(),
		})
	}
	return out
}

// collectionStore adapts one chromem collection to the Store interface.
type collectionStore struct {
	name        string
	description string
	col         *chromem.Collection
}

func (s *collectionStore) Name() string        { return s.name }
func (s *collectionStore) Description() string { return s.description }
func (s *collectionStore) Count() int          { return s.col.Count() }

func (s *collectionStore) Add(ctx context.Context, docs []models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	cdocs := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" || d.Text == "" {
			return errkind.New(errkind.KindBadInput, "document id and text are required")
		}
		cdocs = append(cdocs, chromem.Document{ID: d.ID, Content: d.Text, Metadata: d.Metadata})
	}
	concurrency := runtime.NumCPU()
	if concurrency > len(cdocs) {
		concurrency = len(cdocs)
	}
	if err := s.col.AddDocuments(ctx, cdocs, concurrency); err != nil {
		return errkind.Wrap(errkind.KindStore, err, "add documents")
	}
	return nil
}

func (s *collectionStore) Search(ctx context.Context, text string, k int) ([]models.Source, error) {
	// chromem rejects k above the collection size.
	if n := s.col.Count(); n == 0 {
		return nil, nil
	} else if k > n {
		k = n
	}
	results, err := s.col.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "query collection")
	}
	sources := make([]models.Source, 0, len(results))
	for _, res := range results {
		meta := make(map[string]any, len(res.Metadata))
		for key, value := range res.Metadata {
			meta[key] = value
		}
		sources = append(sources, models.Source{
			Store:      s.name,
			DocumentID: res.ID,
			Score:      float64(res.Similarity),
			Text:       res.Content,
			Metadata:   meta,
		})
	}
	return sources, nil
}
