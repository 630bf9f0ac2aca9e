// Package edges holds the in-process registry of model-derived betting
// edges consumed by the portfolio optimizer. Model backends push edges in;
// the registry only stores and serves them.
package edges

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/apperrors"
	"github.com/parlaylab/parlay-core/internal/cache"
	"github.com/parlaylab/parlay-core/internal/types"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

// edgeTTL bounds how long a pushed edge stays actionable.
const edgeTTL = 6 * time.Hour

// Registry is a concurrency-safe edge store with a warm cache tier.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]types.Edge
	cache *cache.Store
	log   *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(cacheStore *cache.Store) *Registry {
	return &Registry{
		byID:  make(map[string]types.Edge),
		cache: cacheStore,
		log:   logger.WithComponent("edges"),
	}
}

// Upsert validates and stores a batch of edges, replacing same-id entries.
func (r *Registry) Upsert(ctx context.Context, edges []types.Edge) error {
	for _, e := range edges {
		if e.EdgeID == "" || e.PropID == "" {
			return apperrors.E(apperrors.KindInvalidInput, "edge_id and prop_id are required")
		}
		if e.ProbOver <= 0 || e.ProbOver >= 1 {
			return apperrors.E(apperrors.KindInvalidProbability,
				"edge %s prob_over %.4f must be in (0, 1)", e.EdgeID, e.ProbOver)
		}
	}

	r.mu.Lock()
	for _, e := range edges {
		r.byID[e.EdgeID] = e
	}
	r.mu.Unlock()

	if r.cache != nil {
		entries := make([]cache.WarmEntry, len(edges))
		for i, e := range edges {
			entries[i] = cache.WarmEntry{Key: e.EdgeID, Value: e, TTL: edgeTTL}
		}
		r.cache.Warm(ctx, entries, cache.NamespaceEdge)
	}

	r.log.WithField("count", len(edges)).Debug("Edges upserted")
	return nil
}

// EdgesByID resolves the requested ids, failing on the first unknown one.
func (r *Registry) EdgesByID(ctx context.Context, edgeIDs []string) ([]types.Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Edge, 0, len(edgeIDs))
	for _, id := range edgeIDs {
		e, ok := r.byID[id]
		if !ok {
			return nil, apperrors.E(apperrors.KindNotFound, "edge %s not found", id)
		}
		out = append(out, e)
	}
	return out, nil
}

// List returns every registered edge, optionally filtered by sport.
func (r *Registry) List(ctx context.Context, sport string) []types.Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Edge, 0, len(r.byID))
	for _, e := range r.byID {
		if sport != "" && e.Sport != sport {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Remove drops edges by id, returning how many existed.
func (r *Registry) Remove(ctx context.Context, edgeIDs []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, id := range edgeIDs {
		if _, ok := r.byID[id]; ok {
			delete(r.byID, id)
			removed++
		}
	}
	return removed
}
