package tier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/agentfleet/memsync/internal/core"
)

// schema is applied idempotently at startup. The embedding column is an
// untyped vector so domains can carry different dimensions; deployments
// that pin one dimension add an ivfflat index out of band.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
	id             TEXT PRIMARY KEY,
	service_id     TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	domain         TEXT NOT NULL,
	kind           TEXT NOT NULL,
	payload        JSONB NOT NULL DEFAULT '{}',
	tags           TEXT[] NOT NULL DEFAULT '{}',
	correlation_id TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	importance     DOUBLE PRECISION NOT NULL DEFAULT 0,
	access_count   BIGINT NOT NULL DEFAULT 0,
	last_accessed  TIMESTAMPTZ,
	expires_at     TIMESTAMPTZ,
	version        BIGINT NOT NULL DEFAULT 1,
	archived       BOOLEAN NOT NULL DEFAULT FALSE,
	cause_id       TEXT NOT NULL DEFAULT '',
	effect_ids     TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories (service_id, agent_id);
CREATE INDEX IF NOT EXISTS idx_memories_domain_kind ON memories (domain, kind);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_at);
CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories (importance);

CREATE TABLE IF NOT EXISTS memory_embeddings (
	id        TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	domain    TEXT NOT NULL,
	embedding vector NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_domain ON memory_embeddings (domain);

CREATE TABLE IF NOT EXISTS memory_relationships (
	source_id  TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_id, target_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON memory_relationships (source_id);

CREATE TABLE IF NOT EXISTS learning_events (
	id         TEXT PRIMARY KEY,
	service_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	domain     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	input      JSONB NOT NULL DEFAULT '{}',
	context    JSONB NOT NULL DEFAULT '{}',
	output     JSONB NOT NULL DEFAULT '{}',
	feedback   JSONB,
	impact     JSONB NOT NULL DEFAULT '{}',
	cost       JSONB,
	importance DOUBLE PRECISION NOT NULL DEFAULT 0,
	ts         TIMESTAMPTZ NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_scope ON learning_events (service_id, agent_id);
CREATE INDEX IF NOT EXISTS idx_events_domain_kind ON learning_events (domain, kind);
CREATE INDEX IF NOT EXISTS idx_events_ts ON learning_events (ts);

CREATE TABLE IF NOT EXISTS learning_patterns (
	domain           TEXT NOT NULL,
	signature        TEXT NOT NULL,
	frequency        BIGINT NOT NULL DEFAULT 0,
	first_seen       TIMESTAMPTZ NOT NULL,
	last_seen        TIMESTAMPTZ NOT NULL,
	success_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	feedback_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	sample_event_ids TEXT[] NOT NULL DEFAULT '{}',
	recommendations  TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (domain, signature)
);

CREATE TABLE IF NOT EXISTS insights (
	id              TEXT PRIMARY KEY,
	domain          TEXT NOT NULL,
	type            TEXT NOT NULL,
	severity        TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	metrics         JSONB NOT NULL DEFAULT '{}',
	recommendations TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_insights_domain ON insights (domain, created_at);

CREATE TABLE IF NOT EXISTS metrics (
	domain TEXT NOT NULL,
	metric TEXT NOT NULL,
	value  DOUBLE PRECISION NOT NULL,
	ts     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_domain_metric ON metrics (domain, metric, ts);

CREATE TABLE IF NOT EXISTS sync_queue (
	seq         BIGSERIAL PRIMARY KEY,
	peer_id     TEXT NOT NULL,
	envelope    JSONB NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_peer ON sync_queue (peer_id, seq);

CREATE TABLE IF NOT EXISTS sync_applied (
	envelope_id TEXT PRIMARY KEY,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresWarm implements WarmTier on sqlx.
type PostgresWarm struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresWarm opens the warm tier and applies the schema. Failure here
// is unrecoverable for the service.
func NewPostgresWarm(dsn string, maxOpen, maxIdle int, timeout time.Duration) (*PostgresWarm, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warm tier: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	w := &PostgresWarm{db: db, timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: warm tier unreachable: %v", core.ErrTierUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply warm tier schema: %w", err)
	}
	return w, nil
}

// NewPostgresWarmFromDB wraps an existing connection, used by tests.
func NewPostgresWarmFromDB(db *sqlx.DB, timeout time.Duration) *PostgresWarm {
	return &PostgresWarm{db: db, timeout: timeout}
}

func (w *PostgresWarm) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.timeout)
}

// UpsertEntry inserts a new entry or re-writes an existing one, bumping the
// version monotonically. Returns the resulting version.
func (w *PostgresWarm) UpsertEntry(ctx context.Context, entry *core.MemoryEntry) (int64, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO memories (
			id, service_id, agent_id, domain, kind, payload, tags,
			correlation_id, session_id, user_id, importance, expires_at,
			cause_id, effect_ids, created_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)
		ON CONFLICT (id) DO UPDATE SET
			payload    = EXCLUDED.payload,
			tags       = EXCLUDED.tags,
			importance = EXCLUDED.importance,
			expires_at = EXCLUDED.expires_at,
			cause_id   = EXCLUDED.cause_id,
			effect_ids = EXCLUDED.effect_ids,
			archived   = FALSE,
			version    = memories.version + 1
		RETURNING version`

	var version int64
	err = tx.QueryRowxContext(ctx, query,
		entry.ID, entry.ServiceID, entry.AgentID, entry.Domain, entry.Kind,
		payloadJSON, pq.Array(entry.Tags),
		entry.CorrelationID, entry.SessionID, entry.UserID,
		entry.Importance, entry.ExpiresAt,
		entry.CauseID, pq.Array(entry.EffectIDs), entry.CreatedAt).
		Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert entry: %w", err)
	}

	if entry.Embedding != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memory_embeddings (id, domain, embedding)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			entry.ID, entry.Domain, pgvector.NewVector(entry.Embedding))
		if err != nil {
			return 0, fmt.Errorf("failed to upsert embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit entry upsert: %w", err)
	}
	return version, nil
}

const entryColumns = `
	m.id, m.service_id, m.agent_id, m.domain, m.kind, m.payload, m.tags,
	m.correlation_id, m.session_id, m.user_id, m.importance, m.access_count,
	m.last_accessed, m.expires_at, m.version, m.archived, m.cause_id,
	m.effect_ids, m.created_at`

// GetEntry fetches by id; (nil, nil) when the id is unknown. Expired rows
// are filtered by callers, not here, so sweeps can still see them.
func (w *PostgresWarm) GetEntry(ctx context.Context, id string) (*core.MemoryEntry, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	row := w.db.QueryRowxContext(ctx,
		`SELECT `+entryColumns+` FROM memories m WHERE m.id = $1`, id)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

// BumpAccess applies a commutative access-count increment.
func (w *PostgresWarm) BumpAccess(ctx context.Context, id string, delta int64, at time.Time) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + $2,
		    last_accessed = GREATEST(COALESCE(last_accessed, 'epoch'::timestamptz), $3)
		WHERE id = $1`, id, delta, at)
	if err != nil {
		return fmt.Errorf("failed to bump access: %w", err)
	}
	return nil
}

// MarkArchived blanks the warm body to a stub once the cold copy exists.
func (w *PostgresWarm) MarkArchived(ctx context.Context, id string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		UPDATE memories SET archived = TRUE, payload = '{}'::jsonb WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark archived: %w", err)
	}
	return nil
}

// RestoreArchived promotes a cold-read body back into the warm row.
func (w *PostgresWarm) RestoreArchived(ctx context.Context, entry *core.MemoryEntry) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		UPDATE memories SET archived = FALSE, payload = $2 WHERE id = $1`,
		entry.ID, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to restore archived entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the row; embeddings cascade, relationship edges are
// left dangling on purpose (traversal tolerates them).
func (w *PostgresWarm) DeleteEntry(ctx context.Context, id string) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if _, err := w.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// ListArchivable selects non-archived rows older than the threshold.
func (w *PostgresWarm) ListArchivable(ctx context.Context, olderThan time.Time, limit int) ([]core.MemoryEntry, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT `+entryColumns+` FROM memories m
		WHERE m.archived = FALSE AND m.created_at < $1
		ORDER BY m.created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListExpired selects rows at or past expires_at.
func (w *PostgresWarm) ListExpired(ctx context.Context, now time.Time, limit int) ([]core.MemoryEntry, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT `+entryColumns+` FROM memories m
		WHERE m.expires_at IS NOT NULL AND m.expires_at <= $1
		ORDER BY m.expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SearchSimilar runs a cosine similarity query over the embedding index.
func (w *PostgresWarm) SearchSimilar(ctx context.Context, vector []float32, domain string, k int, threshold float64) ([]core.SimilarityMatch, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	vec := pgvector.NewVector(vector)
	rows, err := w.db.QueryxContext(ctx, `
		SELECT `+entryColumns+`, 1 - (e.embedding <=> $1) AS similarity
		FROM memory_embeddings e
		JOIN memories m ON m.id = e.id
		WHERE e.domain = $2
		  AND (m.expires_at IS NULL OR m.expires_at > now())
		  AND 1 - (e.embedding <=> $1) > $3
		ORDER BY e.embedding <=> $1
		LIMIT $4`, vec, domain, threshold, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	var matches []core.SimilarityMatch
	for rows.Next() {
		entry, similarity, err := scanEntryWithSimilarity(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, core.SimilarityMatch{Entry: *entry, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating similarity rows: %w", err)
	}
	return matches, nil
}

// UpsertRelationship inserts an edge; duplicate edges are a no-op.
func (w *PostgresWarm) UpsertRelationship(ctx context.Context, rel core.Relationship) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO memory_relationships (source_id, target_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_id, target_id, kind) DO NOTHING`,
		rel.SourceID, rel.TargetID, rel.Kind)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}
	return nil
}

// ListRelationships returns outgoing edges, optionally filtered by kind.
func (w *PostgresWarm) ListRelationships(ctx context.Context, sourceID string, kind core.RelationshipKind) ([]core.Relationship, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	query := `SELECT source_id, target_id, kind, created_at
		FROM memory_relationships WHERE source_id = $1`
	args := []interface{}{sourceID}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, kind)
	}

	rows, err := w.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var rels []core.Relationship
	for rows.Next() {
		var rel core.Relationship
		if err := rows.Scan(&rel.SourceID, &rel.TargetID, &rel.Kind, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// Ping checks connectivity.
func (w *PostgresWarm) Ping(ctx context.Context) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	return w.db.PingContext(ctx)
}

// Close releases the pool.
func (w *PostgresWarm) Close() error {
	return w.db.Close()
}

// scanner abstracts sqlx.Row and sqlx.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*core.MemoryEntry, error) {
	var (
		entry        core.MemoryEntry
		payloadJSON  []byte
		tags         pq.StringArray
		effectIDs    pq.StringArray
		lastAccessed sql.NullTime
		expiresAt    sql.NullTime
	)

	err := s.Scan(
		&entry.ID, &entry.ServiceID, &entry.AgentID, &entry.Domain, &entry.Kind,
		&payloadJSON, &tags, &entry.CorrelationID, &entry.SessionID, &entry.UserID,
		&entry.Importance, &entry.AccessCount, &lastAccessed, &expiresAt,
		&entry.Version, &entry.Archived, &entry.CauseID, &effectIDs, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	return finishEntry(&entry, payloadJSON, tags, effectIDs, lastAccessed, expiresAt)
}

func scanEntryWithSimilarity(s scanner) (*core.MemoryEntry, float64, error) {
	var (
		entry        core.MemoryEntry
		payloadJSON  []byte
		tags         pq.StringArray
		effectIDs    pq.StringArray
		lastAccessed sql.NullTime
		expiresAt    sql.NullTime
		similarity   float64
	)

	err := s.Scan(
		&entry.ID, &entry.ServiceID, &entry.AgentID, &entry.Domain, &entry.Kind,
		&payloadJSON, &tags, &entry.CorrelationID, &entry.SessionID, &entry.UserID,
		&entry.Importance, &entry.AccessCount, &lastAccessed, &expiresAt,
		&entry.Version, &entry.Archived, &entry.CauseID, &effectIDs, &entry.CreatedAt,
		&similarity)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan similarity row: %w", err)
	}

	e, err := finishEntry(&entry, payloadJSON, tags, effectIDs, lastAccessed, expiresAt)
	return e, similarity, err
}

func finishEntry(entry *core.MemoryEntry, payloadJSON []byte, tags, effectIDs pq.StringArray, lastAccessed, expiresAt sql.NullTime) (*core.MemoryEntry, error) {
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if entry.Payload == nil {
		entry.Payload = make(map[string]interface{})
	}
	entry.Tags = []string(tags)
	entry.EffectIDs = []string(effectIDs)
	if lastAccessed.Valid {
		entry.LastAccessed = lastAccessed.Time
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		entry.ExpiresAt = &t
	}
	return entry, nil
}

func scanEntries(rows *sqlx.Rows) ([]core.MemoryEntry, error) {
	var entries []core.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}
