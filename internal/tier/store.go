package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

// Store is the tiered facade the rest of the core talks to. Writes go
// through the warm tier first and populate the hot tier on success; reads
// prefer hot, fall back to warm, and reach into cold only for archived
// stubs. A circuit breaker guards the warm tier so a struggling Postgres
// surfaces as ErrTierUnavailable instead of piling up timeouts.
type Store struct {
	hot  HotTier
	warm WarmTier
	cold ColdTier

	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewStore wires the three tiers behind one facade. cold may be nil when no
// archive bucket is configured; archival then degrades to a no-op and Get
// serves archived stubs as-is.
func NewStore(hot HotTier, warm WarmTier, cold ColdTier, reg *metrics.Registry, log zerolog.Logger) *Store {
	s := &Store{
		hot:     hot,
		warm:    warm,
		cold:    cold,
		metrics: reg,
		log:     log.With().Str("component", "store").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "warm",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("warm tier breaker state change")
		},
	})
	return s
}

// Warm exposes the underlying warm tier for layers that manage their own
// access patterns (learning ledger, sync queue). Entry reads and writes must
// go through the facade so the cache stays coherent.
func (s *Store) Warm() WarmTier { return s.warm }

// Hot exposes the hot tier for counter hashes.
func (s *Store) Hot() HotTier { return s.hot }

// ColdEnabled reports whether a cold tier is configured.
func (s *Store) ColdEnabled() bool { return s.cold != nil }

func (s *Store) execWarm(fn func() (interface{}, error)) (interface{}, error) {
	out, err := s.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.metrics.TierErrors.WithLabelValues("warm").Inc()
			return nil, fmt.Errorf("%w: warm tier circuit open", core.ErrTierUnavailable)
		}
		s.metrics.TierErrors.WithLabelValues("warm").Inc()
		return nil, err
	}
	return out, nil
}

// PutEntry writes through: warm first, then hot. A hot failure after a
// successful warm write is logged and ignored; the warm tier remains the
// source of truth. Returns the post-write version.
func (s *Store) PutEntry(ctx context.Context, entry *core.MemoryEntry) (int64, error) {
	out, err := s.execWarm(func() (interface{}, error) {
		return s.warm.UpsertEntry(ctx, entry)
	})
	if err != nil {
		s.metrics.MemoryWrites.WithLabelValues("error").Inc()
		return 0, err
	}
	version := out.(int64)
	entry.Version = version

	if err := s.hot.Put(ctx, entry, 0); err != nil {
		s.metrics.TierErrors.WithLabelValues("hot").Inc()
		s.log.Warn().Err(err).Str("id", entry.ID).Msg("hot tier populate failed after warm write")
	}
	s.metrics.MemoryWrites.WithLabelValues("ok").Inc()
	return version, nil
}

// GetEntry reads hot first, warm on miss, and inlines the cold body for
// archived entries. Warm and cold hits are promoted back into the hot tier.
// Returns (nil, nil) when the id is unknown or the entry has expired.
func (s *Store) GetEntry(ctx context.Context, id string) (*core.MemoryEntry, error) {
	now := time.Now().UTC()

	cached, err := s.hot.Get(ctx, id)
	if err != nil {
		s.metrics.TierErrors.WithLabelValues("hot").Inc()
		s.log.Warn().Err(err).Str("id", id).Msg("hot tier read failed, falling through")
	} else if cached != nil {
		if cached.Expired(now) {
			if err := s.hot.Invalidate(ctx, id); err != nil {
				s.log.Warn().Err(err).Str("id", id).Msg("failed to evict expired entry")
			}
		} else {
			s.metrics.CacheHits.Inc()
			s.metrics.MemoryReads.WithLabelValues("hot", "hit").Inc()
			return cached, nil
		}
	}
	s.metrics.CacheMisses.Inc()

	out, err := s.execWarm(func() (interface{}, error) {
		return s.warm.GetEntry(ctx, id)
	})
	if err != nil {
		s.metrics.MemoryReads.WithLabelValues("warm", "error").Inc()
		return nil, err
	}
	entry, _ := out.(*core.MemoryEntry)
	if entry == nil || entry.Expired(now) {
		s.metrics.MemoryReads.WithLabelValues("warm", "miss").Inc()
		return nil, nil
	}

	if entry.Archived && s.cold != nil {
		body, err := s.cold.GetEntry(ctx, entry.ServiceID, entry.Domain, entry.ID)
		if err != nil {
			s.metrics.TierErrors.WithLabelValues("cold").Inc()
			return nil, fmt.Errorf("failed to restore archived entry %s: %w", id, err)
		}
		if body != nil {
			body.Version = entry.Version
			body.AccessCount = entry.AccessCount
			if _, err := s.execWarm(func() (interface{}, error) {
				return nil, s.warm.RestoreArchived(ctx, body)
			}); err != nil {
				s.log.Warn().Err(err).Str("id", id).Msg("failed to promote archived entry to warm")
			} else {
				body.Archived = false
			}
			entry = body
			s.metrics.MemoryReads.WithLabelValues("cold", "hit").Inc()
		}
	} else {
		s.metrics.MemoryReads.WithLabelValues("warm", "hit").Inc()
	}

	if !entry.Archived {
		if err := s.hot.Put(ctx, entry, 0); err != nil {
			s.metrics.TierErrors.WithLabelValues("hot").Inc()
			s.log.Warn().Err(err).Str("id", id).Msg("hot tier promote failed")
		}
	}
	return entry, nil
}

// QueryEntries runs the attribute filter against the warm tier. Archived
// results keep their stub payloads; callers fetch bodies by id when needed.
func (s *Store) QueryEntries(ctx context.Context, f core.MemoryFilter) ([]core.MemoryEntry, error) {
	start := time.Now()
	out, err := s.execWarm(func() (interface{}, error) {
		return s.warm.QueryEntries(ctx, f)
	})
	s.metrics.QueryDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	entries, _ := out.([]core.MemoryEntry)
	return entries, nil
}

// SearchSimilar runs the cosine-similarity query against the warm tier.
func (s *Store) SearchSimilar(ctx context.Context, vector []float32, domain string, k int, threshold float64) ([]core.SimilarityMatch, error) {
	start := time.Now()
	out, err := s.execWarm(func() (interface{}, error) {
		return s.warm.SearchSimilar(ctx, vector, domain, k, threshold)
	})
	s.metrics.QueryDuration.WithLabelValues("similarity").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	matches, _ := out.([]core.SimilarityMatch)
	return matches, nil
}

// BumpAccess applies an accumulated access-count delta to the warm row.
func (s *Store) BumpAccess(ctx context.Context, id string, delta int64, at time.Time) error {
	_, err := s.execWarm(func() (interface{}, error) {
		return nil, s.warm.BumpAccess(ctx, id, delta, at)
	})
	return err
}

// AggregateEntries computes the per-scope window aggregation.
func (s *Store) AggregateEntries(ctx context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error) {
	start := time.Now()
	out, err := s.execWarm(func() (interface{}, error) {
		return s.warm.AggregateEntries(ctx, serviceID, domain, from, to)
	})
	s.metrics.QueryDuration.WithLabelValues("aggregate").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	agg, _ := out.(*core.MemoryAggregation)
	return agg, nil
}

// UpsertRelationship records a directed edge in the memory graph.
func (s *Store) UpsertRelationship(ctx context.Context, rel core.Relationship) error {
	_, err := s.execWarm(func() (interface{}, error) {
		return nil, s.warm.UpsertRelationship(ctx, rel)
	})
	return err
}

// ListRelationships returns outgoing edges for a source entry.
func (s *Store) ListRelationships(ctx context.Context, sourceID string, kind core.RelationshipKind) ([]core.Relationship, error) {
	out, err := s.execWarm(func() (interface{}, error) {
		return s.warm.ListRelationships(ctx, sourceID, kind)
	})
	if err != nil {
		return nil, err
	}
	rels, _ := out.([]core.Relationship)
	return rels, nil
}

// Archive demotes one entry: full body to cold, warm row blanked to a stub,
// hot copy evicted. The cold write happens first so a crash between steps
// leaves the body readable from both tiers rather than neither.
func (s *Store) Archive(ctx context.Context, entry *core.MemoryEntry) error {
	if s.cold == nil {
		return nil
	}
	if err := s.cold.PutEntry(ctx, entry); err != nil {
		s.metrics.TierErrors.WithLabelValues("cold").Inc()
		return fmt.Errorf("failed to archive entry %s: %w", entry.ID, err)
	}
	if _, err := s.execWarm(func() (interface{}, error) {
		return nil, s.warm.MarkArchived(ctx, entry.ID)
	}); err != nil {
		return err
	}
	if err := s.hot.Invalidate(ctx, entry.ID); err != nil {
		s.log.Warn().Err(err).Str("id", entry.ID).Msg("failed to evict archived entry")
	}
	s.metrics.ArchivedEntries.Inc()
	return nil
}

// Purge removes an expired entry from every tier it may occupy.
func (s *Store) Purge(ctx context.Context, entry *core.MemoryEntry) error {
	if entry.Archived && s.cold != nil {
		if err := s.cold.DeleteEntry(ctx, entry.ServiceID, entry.Domain, entry.ID); err != nil {
			s.metrics.TierErrors.WithLabelValues("cold").Inc()
			return fmt.Errorf("failed to purge archived body %s: %w", entry.ID, err)
		}
	}
	if _, err := s.execWarm(func() (interface{}, error) {
		return nil, s.warm.DeleteEntry(ctx, entry.ID)
	}); err != nil {
		return err
	}
	if err := s.hot.Invalidate(ctx, entry.ID); err != nil {
		s.log.Warn().Err(err).Str("id", entry.ID).Msg("failed to evict purged entry")
	}
	s.metrics.ExpiredEntries.Inc()
	return nil
}

// Healthy pings the hot and warm tiers.
func (s *Store) Healthy(ctx context.Context) map[string]error {
	return map[string]error{
		"hot":  s.hot.Ping(ctx),
		"warm": s.warm.Ping(ctx),
	}
}
