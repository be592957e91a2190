// Package tier implements the three-tier storage engine: an expiring Redis
// hot tier, a Postgres warm tier that is the source of truth, and an S3
// cold archive reachable by key only.
package tier

import (
	"context"
	"time"

	"github.com/agentfleet/memsync/internal/core"
)

// HotTier is the expiring KV in front of the warm tier. All operations are
// best-effort from the caller's point of view: the write path logs and
// ignores hot failures after a successful warm write.
type HotTier interface {
	Put(ctx context.Context, entry *core.MemoryEntry, ttl time.Duration) error
	Get(ctx context.Context, id string) (*core.MemoryEntry, error)
	Invalidate(ctx context.Context, id string) error

	// IncrField atomically increments a hash field, used for pattern and
	// rollup counters. Commutative, safe under concurrent writers.
	IncrField(ctx context.Context, key, field string, delta int64) error
	IncrFloatField(ctx context.Context, key, field string, delta float64) error
	GetFields(ctx context.Context, key string) (map[string]string, error)
	DeleteKey(ctx context.Context, key string) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
}

// WarmTier is the relational source of truth.
type WarmTier interface {
	// Memory entries
	UpsertEntry(ctx context.Context, entry *core.MemoryEntry) (int64, error)
	GetEntry(ctx context.Context, id string) (*core.MemoryEntry, error)
	QueryEntries(ctx context.Context, f core.MemoryFilter) ([]core.MemoryEntry, error)
	SearchSimilar(ctx context.Context, vector []float32, domain string, k int, threshold float64) ([]core.SimilarityMatch, error)
	BumpAccess(ctx context.Context, id string, delta int64, at time.Time) error
	MarkArchived(ctx context.Context, id string) error
	RestoreArchived(ctx context.Context, entry *core.MemoryEntry) error
	DeleteEntry(ctx context.Context, id string) error
	ListArchivable(ctx context.Context, olderThan time.Time, limit int) ([]core.MemoryEntry, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]core.MemoryEntry, error)
	AggregateEntries(ctx context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error)

	// Relationships
	UpsertRelationship(ctx context.Context, rel core.Relationship) error
	ListRelationships(ctx context.Context, sourceID string, kind core.RelationshipKind) ([]core.Relationship, error)

	// Learning events
	InsertEvent(ctx context.Context, ev *core.LearningEvent) (bool, error)
	QueryEvents(ctx context.Context, f core.EventFilter) ([]core.LearningEvent, error)
	EventsSince(ctx context.Context, domain string, since time.Time, limit, offset int) ([]core.LearningEvent, error)

	// Derived patterns
	UpsertPattern(ctx context.Context, p *core.LearningPattern) error
	ListPatterns(ctx context.Context, domain string, minFrequency int64) ([]core.LearningPattern, error)

	// Insights and metric rollups
	InsertInsight(ctx context.Context, ins *core.Insight) error
	ListInsights(ctx context.Context, domain string, limit int) ([]core.Insight, error)
	InsertMetricPoint(ctx context.Context, domain, metric string, value float64, at time.Time) error
	ListDomains(ctx context.Context) ([]string, error)

	// Durable outbound sync queue
	AppendQueue(ctx context.Context, peerID string, env *core.Envelope) error
	PeekQueue(ctx context.Context, peerID string, limit int) ([]QueuedEnvelope, error)
	DeleteQueue(ctx context.Context, seqs []int64) error
	QueueDepth(ctx context.Context, peerID string) (int64, error)

	// Envelope idempotency ledger
	MarkApplied(ctx context.Context, envelopeID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// QueuedEnvelope is a durable queue row: envelope plus its FIFO sequence.
type QueuedEnvelope struct {
	Seq      int64         `db:"seq"`
	PeerID   string        `db:"peer_id"`
	Envelope core.Envelope `db:"-"`
}

// ColdTier is the object archive. Retrieval is by id only; the core never
// lists the cold tier.
type ColdTier interface {
	PutEntry(ctx context.Context, entry *core.MemoryEntry) error
	GetEntry(ctx context.Context, serviceID, domain, id string) (*core.MemoryEntry, error)
	DeleteEntry(ctx context.Context, serviceID, domain, id string) error
}
