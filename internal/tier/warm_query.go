package tier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/agentfleet/memsync/internal/core"
)

// condSet accumulates WHERE clauses with bound parameters. Filters never
// concatenate user input into SQL text.
type condSet struct {
	conds []string
	args  []interface{}
}

// addf appends one condition whose placeholders are rendered positionally.
func (c *condSet) addf(expr string, args ...interface{}) {
	for _, a := range args {
		c.args = append(c.args, a)
		expr = strings.Replace(expr, "?", fmt.Sprintf("$%d", len(c.args)), 1)
	}
	c.conds = append(c.conds, expr)
}

func (c *condSet) where() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

func (c *condSet) nextArg(v interface{}) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

// QueryEntries runs the attribute-filter query, ordered by creation instant
// descending. Expired entries are excluded; archived stubs are included.
func (w *PostgresWarm) QueryEntries(ctx context.Context, f core.MemoryFilter) ([]core.MemoryEntry, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	var c condSet
	c.addf("(m.expires_at IS NULL OR m.expires_at > now())")
	if f.ServiceID != "" {
		c.addf("m.service_id = ?", f.ServiceID)
	}
	if f.AgentID != "" {
		c.addf("m.agent_id = ?", f.AgentID)
	}
	if f.Domain != "" {
		c.addf("m.domain = ?", f.Domain)
	}
	if f.Kind != "" {
		c.addf("m.kind = ?", string(f.Kind))
	}
	if len(f.Tags) > 0 {
		c.addf("m.tags && ?", pq.Array(f.Tags))
	}
	if f.From != nil {
		c.addf("m.created_at >= ?", *f.From)
	}
	if f.To != nil {
		c.addf("m.created_at <= ?", *f.To)
	}
	if f.MinImportance > 0 {
		c.addf("m.importance >= ?", f.MinImportance)
	}
	if f.Search != "" {
		c.addf("m.payload::text ILIKE ?", "%"+f.Search+"%")
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + entryColumns + ` FROM memories m` + c.where() +
		` ORDER BY m.created_at DESC LIMIT ` + c.nextArg(limit) +
		` OFFSET ` + c.nextArg(f.Offset)

	rows, err := w.db.QueryxContext(ctx, query, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// AggregateEntries computes the per-(service, domain) window aggregation.
func (w *PostgresWarm) AggregateEntries(ctx context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	agg := &core.MemoryAggregation{
		ServiceID:   serviceID,
		Domain:      domain,
		WindowStart: from,
		WindowEnd:   to,
		ByKind:      make(map[core.MemoryKind]int64),
	}

	var c condSet
	c.addf("created_at >= ?", from)
	c.addf("created_at <= ?", to)
	if serviceID != "" {
		c.addf("service_id = ?", serviceID)
	}
	if domain != "" {
		c.addf("domain = ?", domain)
	}

	base := c.where()
	baseArgs := append([]interface{}(nil), c.args...)

	row := w.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(importance), 0),
		       COALESCE(SUM(access_count), 0),
		       COUNT(*) FILTER (WHERE archived)
		FROM memories`+base, baseArgs...)
	if err := row.Scan(&agg.TotalEntries, &agg.AvgImportance, &agg.TotalAccesses, &agg.ArchivedCount); err != nil {
		return nil, fmt.Errorf("failed to aggregate entries: %w", err)
	}

	rows, err := w.db.QueryxContext(ctx, `
		SELECT kind, COUNT(*) FROM memories`+base+` GROUP BY kind`, baseArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		agg.ByKind[core.MemoryKind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tagRows, err := w.db.QueryxContext(ctx, `
		SELECT tag, COUNT(*) AS n
		FROM memories, unnest(tags) AS tag`+base+`
		GROUP BY tag ORDER BY n DESC LIMIT 10`, baseArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tc core.TagCount
		if err := tagRows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan tag count: %w", err)
		}
		agg.TopTags = append(agg.TopTags, tc)
	}
	return agg, tagRows.Err()
}
