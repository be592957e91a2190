package core

import (
	"fmt"
	"time"
)

// MemoryKind classifies a memory entry by the role it plays in agent state.
type MemoryKind string

const (
	MemoryWorking    MemoryKind = "working"
	MemoryEpisodic   MemoryKind = "episodic"
	MemorySemantic   MemoryKind = "semantic"
	MemoryProcedural MemoryKind = "procedural"
	MemoryBusiness   MemoryKind = "business"
)

// ValidMemoryKind reports whether k is a known memory kind.
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case MemoryWorking, MemoryEpisodic, MemorySemantic, MemoryProcedural, MemoryBusiness:
		return true
	}
	return false
}

// MemoryEntry is a persisted unit of agent state. The payload is opaque to
// the core; only the free-text query filter inspects its serialized form.
type MemoryEntry struct {
	ID        string     `json:"id" db:"id"`
	ServiceID string     `json:"service_id" db:"service_id"`
	AgentID   string     `json:"agent_id" db:"agent_id"`
	Domain    string     `json:"domain" db:"domain"`
	Kind      MemoryKind `json:"kind" db:"kind"`

	Payload map[string]interface{} `json:"payload" db:"payload"`

	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	Version       int64      `json:"version" db:"version"`
	Tags          []string   `json:"tags,omitempty" db:"tags"`
	CorrelationID string     `json:"correlation_id,omitempty" db:"correlation_id"`
	SessionID     string     `json:"session_id,omitempty" db:"session_id"`
	UserID        string     `json:"user_id,omitempty" db:"user_id"`
	Importance    float64    `json:"importance" db:"importance"`
	AccessCount   int64      `json:"access_count" db:"access_count"`
	LastAccessed  time.Time  `json:"last_accessed,omitempty" db:"last_accessed"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	// Embedding is nil when the entry carries no vector. Dimension is fixed
	// per domain and enforced by the warm tier.
	Embedding []float32 `json:"embedding,omitempty"`

	RelatedIDs []string `json:"related_ids,omitempty"`
	CauseID    string   `json:"cause_id,omitempty"`
	EffectIDs  []string `json:"effect_ids,omitempty"`

	// Archived is true iff the body lives only in the cold tier.
	Archived bool `json:"archived" db:"archived"`
}

// Validate checks the scope and value constraints required on the write path.
func (e *MemoryEntry) Validate() error {
	if e.ServiceID == "" || e.AgentID == "" || e.Domain == "" {
		return fmt.Errorf("%w: service_id, agent_id and domain are required", ErrInvalidInput)
	}
	if !ValidMemoryKind(e.Kind) {
		return fmt.Errorf("%w: unknown memory kind %q", ErrInvalidInput, e.Kind)
	}
	if e.Importance < 0 || e.Importance > 10 {
		return fmt.Errorf("%w: importance %.2f outside [0,10]", ErrInvalidInput, e.Importance)
	}
	if e.ExpiresAt != nil && !e.CreatedAt.IsZero() && e.ExpiresAt.Before(e.CreatedAt) {
		return fmt.Errorf("%w: expires_at precedes created_at", ErrInvalidInput)
	}
	return nil
}

// Expired reports whether the entry is past its expiry at instant now.
// Expiry is a half-open interval: an entry exactly at expires_at is expired.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// RelationshipKind labels a directed edge between two memory entries.
type RelationshipKind string

const (
	RelationRelated RelationshipKind = "related"
	RelationCause   RelationshipKind = "cause"
	RelationEffect  RelationshipKind = "effect"
)

// Relationship is a directed edge in the memory graph. Dangling targets are
// permitted after cold-tier deletion and must be tolerated by traversal.
type Relationship struct {
	SourceID  string           `json:"source_id" db:"source_id"`
	TargetID  string           `json:"target_id" db:"target_id"`
	Kind      RelationshipKind `json:"kind" db:"kind"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// MemoryFilter selects memory entries on the query path. Zero values mean
// "no constraint" for that field.
type MemoryFilter struct {
	ServiceID     string     `json:"service_id,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	Domain        string     `json:"domain,omitempty"`
	Kind          MemoryKind `json:"kind,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	MinImportance float64    `json:"min_importance,omitempty"`
	Search        string     `json:"search,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// SimilarityMatch pairs an entry with its cosine similarity to a query vector.
type SimilarityMatch struct {
	Entry      MemoryEntry `json:"entry"`
	Similarity float64     `json:"similarity"`
}

// MemoryAggregation summarizes entries for a (service, domain) scope within
// a time window.
type MemoryAggregation struct {
	ServiceID     string               `json:"service_id"`
	Domain        string               `json:"domain"`
	WindowStart   time.Time            `json:"window_start"`
	WindowEnd     time.Time            `json:"window_end"`
	TotalEntries  int64                `json:"total_entries"`
	ByKind        map[MemoryKind]int64 `json:"by_kind"`
	AvgImportance float64              `json:"avg_importance"`
	TotalAccesses int64                `json:"total_accesses"`
	ArchivedCount int64                `json:"archived_count"`
	TopTags       []TagCount           `json:"top_tags,omitempty"`
}

// TagCount is a tag with its occurrence count inside an aggregation window.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}
