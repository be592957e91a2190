// Package memory implements the agent-state engine on top of the tier
// store: entry writes, tiered reads, attribute and similarity queries, and
// the relationship graph.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/core"
)

const (
	defaultSearchK     = 10
	maxSearchK         = 100
	defaultRelateDepth = 2
	maxRelateDepth     = 5
)

// Store is the slice of the tier facade the engine consumes. Satisfied by
// *tier.Store.
type Store interface {
	PutEntry(ctx context.Context, entry *core.MemoryEntry) (int64, error)
	GetEntry(ctx context.Context, id string) (*core.MemoryEntry, error)
	QueryEntries(ctx context.Context, f core.MemoryFilter) ([]core.MemoryEntry, error)
	SearchSimilar(ctx context.Context, vector []float32, domain string, k int, threshold float64) ([]core.SimilarityMatch, error)
	BumpAccess(ctx context.Context, id string, delta int64, at time.Time) error
	UpsertRelationship(ctx context.Context, rel core.Relationship) error
	ListRelationships(ctx context.Context, sourceID string, kind core.RelationshipKind) ([]core.Relationship, error)
	AggregateEntries(ctx context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error)
}

// Engine is the memory persistence core. All entry access goes through the
// tier store facade so the cache stays coherent.
type Engine struct {
	store  Store
	events *bus.Bus
	log    zerolog.Logger

	access *accessBatcher
}

// New builds the engine and starts the access-count batcher.
func New(store Store, events *bus.Bus, log zerolog.Logger) *Engine {
	e := &Engine{
		store:  store,
		events: events,
		log:    log.With().Str("component", "memory").Logger(),
	}
	e.access = newAccessBatcher(store, e.log)
	return e
}

// Close flushes pending access bumps and stops the batcher.
func (e *Engine) Close() {
	e.access.stop()
}

// Store validates and persists an entry, assigning id and creation instant
// when absent. Re-storing an existing id bumps its version by one. Emits
// memory.stored after the warm write commits.
func (e *Engine) Store(ctx context.Context, entry *core.MemoryEntry) (*core.MemoryEntry, error) {
	return e.persist(ctx, entry, true)
}

// ApplySync persists an entry arriving from a sync peer. Identical to Store
// except the bus event is suppressed so replicated writes do not echo back
// into the fabric.
func (e *Engine) ApplySync(ctx context.Context, entry *core.MemoryEntry) (*core.MemoryEntry, error) {
	return e.persist(ctx, entry, false)
}

func (e *Engine) persist(ctx context.Context, entry *core.MemoryEntry, publish bool) (*core.MemoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	version, err := e.store.PutEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to store entry %s: %w", entry.ID, err)
	}
	entry.Version = version

	if publish {
		if err := e.events.Publish(bus.TopicMemoryStored, entry.ID, entry); err != nil {
			e.log.Warn().Err(err).Str("id", entry.ID).Msg("memory.stored publish failed")
		}
	}
	return entry, nil
}

// Get retrieves one entry by id, restoring archived bodies from the cold
// tier. The access-count bump is queued on the async batcher; delivery is
// at-least-once and never delays the read.
func (e *Engine) Get(ctx context.Context, id string) (*core.MemoryEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", core.ErrInvalidInput)
	}
	entry, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: entry %s", core.ErrNotFound, id)
	}

	e.access.bump(id)
	entry.AccessCount++
	entry.LastAccessed = time.Now().UTC()
	return entry, nil
}

// Query runs the attribute filter. Expired entries never appear; archived
// entries appear as stubs with Archived=true and their body retrievable via
// Get. Results are ordered by creation instant descending.
func (e *Engine) Query(ctx context.Context, f core.MemoryFilter) ([]core.MemoryEntry, error) {
	return e.store.QueryEntries(ctx, f)
}

// SearchSimilarity returns up to k entries whose embedding cosine
// similarity to the query vector strictly exceeds threshold, most similar
// first.
func (e *Engine) SearchSimilarity(ctx context.Context, vector []float32, domain string, k int, threshold float64) ([]core.SimilarityMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", core.ErrInvalidInput)
	}
	if threshold < -1 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %.2f outside [-1,1]", core.ErrInvalidInput, threshold)
	}
	if k <= 0 {
		k = defaultSearchK
	}
	if k > maxSearchK {
		k = maxSearchK
	}
	return e.store.SearchSimilar(ctx, vector, domain, k, threshold)
}

// Relate records a directed edge between two entries. Upserting the same
// edge twice is a no-op.
func (e *Engine) Relate(ctx context.Context, sourceID, targetID string, kind core.RelationshipKind) error {
	if sourceID == "" || targetID == "" {
		return fmt.Errorf("%w: source and target ids are required", core.ErrInvalidInput)
	}
	if sourceID == targetID {
		return fmt.Errorf("%w: self-relationship not allowed", core.ErrInvalidInput)
	}
	switch kind {
	case core.RelationRelated, core.RelationCause, core.RelationEffect:
	default:
		return fmt.Errorf("%w: unknown relationship kind %q", core.ErrInvalidInput, kind)
	}
	return e.store.UpsertRelationship(ctx, core.Relationship{
		SourceID:  sourceID,
		TargetID:  targetID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	})
}

// Related walks the relationship graph breadth-first from id up to maxDepth
// hops and returns the reachable entries, deduplicated, excluding the root.
// Dangling edges (targets purged from every tier) are skipped silently.
func (e *Engine) Related(ctx context.Context, id string, kind core.RelationshipKind, maxDepth int) ([]core.MemoryEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", core.ErrInvalidInput)
	}
	if maxDepth <= 0 {
		maxDepth = defaultRelateDepth
	}
	if maxDepth > maxRelateDepth {
		maxDepth = maxRelateDepth
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []core.MemoryEntry

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, src := range frontier {
			rels, err := e.store.ListRelationships(ctx, src, kind)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if visited[rel.TargetID] {
					continue
				}
				visited[rel.TargetID] = true

				entry, err := e.store.GetEntry(ctx, rel.TargetID)
				if err != nil {
					return nil, err
				}
				if entry == nil {
					continue
				}
				out = append(out, *entry)
				next = append(next, rel.TargetID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Aggregate summarizes entries for a (service, domain) scope in a window.
func (e *Engine) Aggregate(ctx context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: window end precedes start", core.ErrInvalidInput)
	}
	return e.store.AggregateEntries(ctx, serviceID, domain, from, to)
}
