package tier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agentfleet/memsync/internal/core"
)

// InsertEvent appends a learning event. Returns false when the id already
// exists; duplicates are never an error at this layer so the sync fabric
// can re-apply envelopes safely.
func (w *PostgresWarm) InsertEvent(ctx context.Context, ev *core.LearningEvent) (bool, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	inputJSON, err := json.Marshal(ev.Input)
	if err != nil {
		return false, fmt.Errorf("failed to marshal input: %w", err)
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return false, fmt.Errorf("failed to marshal context: %w", err)
	}
	outputJSON, err := json.Marshal(ev.Output)
	if err != nil {
		return false, fmt.Errorf("failed to marshal output: %w", err)
	}
	impactJSON, err := json.Marshal(ev.Impact)
	if err != nil {
		return false, fmt.Errorf("failed to marshal impact: %w", err)
	}

	var feedbackJSON, costJSON interface{}
	if ev.Feedback != nil {
		b, err := json.Marshal(ev.Feedback)
		if err != nil {
			return false, fmt.Errorf("failed to marshal feedback: %w", err)
		}
		feedbackJSON = b
	}
	if ev.Cost != nil {
		b, err := json.Marshal(ev.Cost)
		if err != nil {
			return false, fmt.Errorf("failed to marshal cost: %w", err)
		}
		costJSON = b
	}

	res, err := w.db.ExecContext(ctx, `
		INSERT INTO learning_events (
			id, service_id, agent_id, domain, kind,
			input, context, output, feedback, impact, cost,
			importance, ts, parent_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.ServiceID, ev.AgentID, ev.Domain, ev.Kind,
		inputJSON, contextJSON, outputJSON, feedbackJSON, impactJSON, costJSON,
		ev.Importance, ev.Timestamp, ev.ParentID)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// maxEventQueryLimit caps a single QueryEvents page.
const maxEventQueryLimit = 1000

const eventColumns = `
	id, service_id, agent_id, domain, kind, input, context, output,
	feedback, impact, cost, importance, ts, parent_id`

// QueryEvents runs the history filter, ordered by timestamp descending.
func (w *PostgresWarm) QueryEvents(ctx context.Context, f core.EventFilter) ([]core.LearningEvent, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var c condSet
	if f.ServiceID != "" {
		c.addf("service_id = ?", f.ServiceID)
	}
	if f.AgentID != "" {
		c.addf("agent_id = ?", f.AgentID)
	}
	if f.Domain != "" {
		c.addf("domain = ?", f.Domain)
	}
	if f.Kind != "" {
		c.addf("kind = ?", string(f.Kind))
	}
	if f.From != nil {
		c.addf("ts >= ?", *f.From)
	}
	if f.To != nil {
		c.addf("ts <= ?", *f.To)
	}
	if f.MinImportance > 0 {
		c.addf("importance >= ?", f.MinImportance)
	}

	// Oversized limits clamp to the cap instead of falling back to the
	// default, so large reads degrade to "at most the cap" rather than
	// silently shrinking.
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxEventQueryLimit {
		limit = maxEventQueryLimit
	}

	query := `SELECT ` + eventColumns + ` FROM learning_events` + c.where() +
		` ORDER BY ts DESC LIMIT ` + c.nextArg(limit) +
		` OFFSET ` + c.nextArg(f.Offset)

	rows, err := w.db.QueryxContext(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsSince pages history in ascending order for backfill delivery.
func (w *PostgresWarm) EventsSince(ctx context.Context, domain string, since time.Time, limit, offset int) ([]core.LearningEvent, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var c condSet
	c.addf("ts >= ?", since)
	if domain != "" {
		c.addf("domain = ?", domain)
	}

	query := `SELECT ` + eventColumns + ` FROM learning_events` + c.where() +
		` ORDER BY ts ASC LIMIT ` + c.nextArg(limit) +
		` OFFSET ` + c.nextArg(offset)

	rows, err := w.db.QueryxContext(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to page events since %s: %w", since, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// UpsertPattern overwrites the derived pattern row for (domain, signature).
func (w *PostgresWarm) UpsertPattern(ctx context.Context, p *core.LearningPattern) error {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO learning_patterns (
			domain, signature, frequency, first_seen, last_seen,
			success_rate, avg_confidence, feedback_score,
			sample_event_ids, recommendations
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (domain, signature) DO UPDATE SET
			frequency        = EXCLUDED.frequency,
			last_seen        = EXCLUDED.last_seen,
			success_rate     = EXCLUDED.success_rate,
			avg_confidence   = EXCLUDED.avg_confidence,
			feedback_score   = EXCLUDED.feedback_score,
			sample_event_ids = EXCLUDED.sample_event_ids,
			recommendations  = EXCLUDED.recommendations`,
		p.Domain, p.Signature, p.Frequency, p.FirstSeen, p.LastSeen,
		p.SuccessRate, p.AvgConfidence, p.FeedbackScore,
		pq.Array(p.SampleEventIDs), pq.Array(p.Recommendations))
	if err != nil {
		return fmt.Errorf("failed to upsert pattern: %w", err)
	}
	return nil
}

// ListPatterns returns patterns for a domain above a frequency floor.
func (w *PostgresWarm) ListPatterns(ctx context.Context, domain string, minFrequency int64) ([]core.LearningPattern, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var c condSet
	if domain != "" {
		c.addf("domain = ?", domain)
	}
	if minFrequency > 0 {
		c.addf("frequency >= ?", minFrequency)
	}

	rows, err := w.db.QueryxContext(ctx, `
		SELECT domain, signature, frequency, first_seen, last_seen,
		       success_rate, avg_confidence, feedback_score,
		       sample_event_ids, recommendations
		FROM learning_patterns`+c.where()+`
		ORDER BY frequency DESC LIMIT 500`, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []core.LearningPattern
	for rows.Next() {
		var (
			p       core.LearningPattern
			samples pq.StringArray
			recs    pq.StringArray
		)
		if err := rows.Scan(&p.Domain, &p.Signature, &p.Frequency, &p.FirstSeen, &p.LastSeen,
			&p.SuccessRate, &p.AvgConfidence, &p.FeedbackScore, &samples, &recs); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.SampleEventIDs = []string(samples)
		p.Recommendations = []string(recs)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func scanEvents(rows *sqlx.Rows) ([]core.LearningEvent, error) {
	var events []core.LearningEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

func scanEvent(s scanner) (*core.LearningEvent, error) {
	var (
		ev           core.LearningEvent
		inputJSON    []byte
		contextJSON  []byte
		outputJSON   []byte
		feedbackJSON sql.NullString
		impactJSON   []byte
		costJSON     sql.NullString
	)

	err := s.Scan(
		&ev.ID, &ev.ServiceID, &ev.AgentID, &ev.Domain, &ev.Kind,
		&inputJSON, &contextJSON, &outputJSON, &feedbackJSON, &impactJSON, &costJSON,
		&ev.Importance, &ev.Timestamp, &ev.ParentID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &ev.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &ev.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if len(impactJSON) > 0 {
		if err := json.Unmarshal(impactJSON, &ev.Impact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal impact: %w", err)
		}
	}
	if feedbackJSON.Valid {
		ev.Feedback = &core.LearningFeedbackBlock{}
		if err := json.Unmarshal([]byte(feedbackJSON.String), ev.Feedback); err != nil {
			return nil, fmt.Errorf("failed to unmarshal feedback: %w", err)
		}
	}
	if costJSON.Valid {
		ev.Cost = &core.LearningCost{}
		if err := json.Unmarshal([]byte(costJSON.String), ev.Cost); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cost: %w", err)
		}
	}
	return &ev, nil
}
