package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agentfleet/memsync/internal/core"
)

// AppendQueue appends an envelope to a peer's durable outbound log.
func (w *PostgresWarm) AppendQueue(ctx context.Context, peerID string, env *core.Envelope) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if _, err := w.db.ExecContext(ctx, `
		INSERT INTO sync_queue (peer_id, envelope) VALUES ($1, $2)`, peerID, b); err != nil {
		return fmt.Errorf("failed to append to sync queue: %w", err)
	}
	return nil
}

// PeekQueue returns the oldest queued envelopes for a peer in FIFO order
// without removing them. Removal happens after confirmed send.
func (w *PostgresWarm) PeekQueue(ctx context.Context, peerID string, limit int) ([]QueuedEnvelope, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT seq, peer_id, envelope FROM sync_queue
		WHERE peer_id = $1 ORDER BY seq LIMIT $2`, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek sync queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedEnvelope
	for rows.Next() {
		var (
			q QueuedEnvelope
			b []byte
		)
		if err := rows.Scan(&q.Seq, &q.PeerID, &b); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		if err := json.Unmarshal(b, &q.Envelope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued envelope: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteQueue removes confirmed-sent rows by sequence.
func (w *PostgresWarm) DeleteQueue(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if _, err := w.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE seq = ANY($1)`, pq.Array(seqs)); err != nil {
		return fmt.Errorf("failed to delete sync queue rows: %w", err)
	}
	return nil
}

// QueueDepth reports the durable backlog for a peer.
func (w *PostgresWarm) QueueDepth(ctx context.Context, peerID string) (int64, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := w.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE peer_id = $1`, peerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

// MarkApplied records an envelope id in the idempotency ledger. Returns
// false when the id was already applied; callers treat that as a no-op.
func (w *PostgresWarm) MarkApplied(ctx context.Context, envelopeID string) (bool, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	res, err := w.db.ExecContext(ctx, `
		INSERT INTO sync_applied (envelope_id) VALUES ($1)
		ON CONFLICT (envelope_id) DO NOTHING`, envelopeID)
	if err != nil {
		return false, fmt.Errorf("failed to mark envelope applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertInsight persists a fired rule.
func (w *PostgresWarm) InsertInsight(ctx context.Context, ins *core.Insight) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	metricsJSON, err := json.Marshal(ins.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal insight metrics: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO insights (id, domain, type, severity, title, description, metrics, recommendations, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ins.ID, ins.Domain, ins.Type, ins.Severity, ins.Title, ins.Description,
		metricsJSON, pq.Array(ins.Recommendations), ins.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

// ListInsights returns the most recent insights, optionally per domain.
func (w *PostgresWarm) ListInsights(ctx context.Context, domain string, limit int) ([]core.Insight, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var c condSet
	if domain != "" {
		c.addf("domain = ?", domain)
	}

	query := `SELECT id, domain, type, severity, title, description, metrics, recommendations, created_at
		FROM insights` + c.where() + ` ORDER BY created_at DESC LIMIT ` + c.nextArg(limit)

	rows, err := w.db.QueryxContext(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	defer rows.Close()

	var insights []core.Insight
	for rows.Next() {
		var (
			ins         core.Insight
			metricsJSON []byte
			recs        pq.StringArray
		)
		if err := rows.Scan(&ins.ID, &ins.Domain, &ins.Type, &ins.Severity, &ins.Title,
			&ins.Description, &metricsJSON, &recs, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &ins.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal insight metrics: %w", err)
			}
		}
		ins.Recommendations = []string(recs)
		insights = append(insights, ins)
	}
	return insights, rows.Err()
}

// InsertMetricPoint appends a rollup sample to the time-series table.
func (w *PostgresWarm) InsertMetricPoint(ctx context.Context, domain, metric string, value float64, at time.Time) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if _, err := w.db.ExecContext(ctx, `
		INSERT INTO metrics (domain, metric, value, ts) VALUES ($1,$2,$3,$4)`,
		domain, metric, value, at); err != nil {
		return fmt.Errorf("failed to insert metric point: %w", err)
	}
	return nil
}

// ListDomains enumerates every domain seen by either store, used by the
// insight generator to know what to evaluate.
func (w *PostgresWarm) ListDomains(ctx context.Context) ([]string, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	rows, err := w.db.QueryxContext(ctx, `
		SELECT DISTINCT domain FROM learning_events
		UNION
		SELECT DISTINCT domain FROM memories
		ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}
