// Package learning implements the append-only learning ledger: event
// recording, history, derived patterns, per-domain metrics and trend
// analysis.
package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

// EventStore is the warm-tier slice the ledger consumes. Satisfied by
// tier.WarmTier.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *core.LearningEvent) (bool, error)
	QueryEvents(ctx context.Context, f core.EventFilter) ([]core.LearningEvent, error)
	UpsertPattern(ctx context.Context, p *core.LearningPattern) error
	ListPatterns(ctx context.Context, domain string, minFrequency int64) ([]core.LearningPattern, error)
}

// CounterStore is the hot-tier slice used for pattern counter hashes.
// Satisfied by tier.HotTier.
type CounterStore interface {
	IncrField(ctx context.Context, key, field string, delta int64) error
	IncrFloatField(ctx context.Context, key, field string, delta float64) error
	GetFields(ctx context.Context, key string) (map[string]string, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// metricsWindowLimit bounds how many events a single rollup inspects.
const metricsWindowLimit = 1000

// Ledger is the learning event core. Events are immutable once recorded;
// corrections arrive as new events referencing ParentID.
type Ledger struct {
	warm    EventStore
	hot     CounterStore
	events  *bus.Bus
	metrics *metrics.Registry
	log     zerolog.Logger
}

// New builds the ledger.
func New(warm EventStore, hot CounterStore, events *bus.Bus, reg *metrics.Registry, log zerolog.Logger) *Ledger {
	return &Ledger{
		warm:    warm,
		hot:     hot,
		events:  events,
		metrics: reg,
		log:     log.With().Str("component", "learning").Logger(),
	}
}

// Record validates and appends one event, assigning id and timestamp when
// absent. Re-recording an id that already exists is a silent no-op so the
// sync fabric can re-apply envelopes. Emits learning.recorded on insert.
func (l *Ledger) Record(ctx context.Context, ev *core.LearningEvent) (*core.LearningEvent, error) {
	return l.record(ctx, ev, true)
}

// ApplySync records an event arriving from a sync peer without republishing
// it on the bus.
func (l *Ledger) ApplySync(ctx context.Context, ev *core.LearningEvent) (*core.LearningEvent, error) {
	return l.record(ctx, ev, false)
}

func (l *Ledger) record(ctx context.Context, ev *core.LearningEvent, publish bool) (*core.LearningEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	inserted, err := l.warm.InsertEvent(ctx, ev)
	if err != nil {
		l.metrics.LearningWrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to record event %s: %w", ev.ID, err)
	}
	if !inserted {
		// Already applied, most likely a replayed sync envelope.
		l.metrics.LearningWrites.WithLabelValues("duplicate").Inc()
		return ev, nil
	}
	l.metrics.LearningWrites.WithLabelValues("ok").Inc()

	l.bumpCounters(ctx, ev)

	if publish {
		if err := l.events.Publish(bus.TopicLearningRecorded, ev.ID, ev); err != nil {
			l.log.Warn().Err(err).Str("id", ev.ID).Msg("learning.recorded publish failed")
		}
	}
	return ev, nil
}

// counterKey is the hot-tier hash holding running pattern aggregates for a
// (domain, signature) pair.
func counterKey(domain, signature string) string {
	return "pat:" + domain + ":" + signature
}

// bumpCounters updates the pattern hash with atomic increments. Counter
// loss is acceptable; the pattern sweep rebuilds from whatever is present.
func (l *Ledger) bumpCounters(ctx context.Context, ev *core.LearningEvent) {
	key := counterKey(ev.Domain, ev.Signature())

	incr := func(err error) {
		if err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("pattern counter update failed")
		}
	}
	incr(l.hot.IncrField(ctx, key, "frequency", 1))
	incr(l.hot.IncrFloatField(ctx, key, "confidence_sum", ev.Output.Confidence))
	if ev.Impact.PerformanceDelta > 0 {
		incr(l.hot.IncrField(ctx, key, "success_count", 1))
	}
	if ev.Feedback != nil {
		incr(l.hot.IncrField(ctx, key, "feedback_count", 1))
		incr(l.hot.IncrFloatField(ctx, key, "feedback_sum", clamp01(ev.Feedback.Rating)))
	}
}

// History runs the event filter, newest first.
func (l *Ledger) History(ctx context.Context, f core.EventFilter) ([]core.LearningEvent, error) {
	return l.warm.QueryEvents(ctx, f)
}

// Patterns returns the persisted patterns for a domain at or above the
// frequency floor, ranked by composite score descending.
func (l *Ledger) Patterns(ctx context.Context, domain string, minFrequency int64) ([]core.LearningPattern, error) {
	patterns, err := l.warm.ListPatterns(ctx, domain, minFrequency)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].CompositeScore() > patterns[j].CompositeScore()
	})
	return patterns, nil
}

// Metrics computes the per-domain rollup over a window. An empty window
// yields zeros, never an error.
func (l *Ledger) Metrics(ctx context.Context, domain string, from, to time.Time) (*core.LearningMetrics, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: window end precedes start", core.ErrInvalidInput)
	}

	events, err := l.warm.QueryEvents(ctx, core.EventFilter{
		Domain: domain,
		From:   &from,
		To:     &to,
		Limit:  metricsWindowLimit,
	})
	if err != nil {
		return nil, err
	}

	m := &core.LearningMetrics{
		Domain:      domain,
		WindowStart: from,
		WindowEnd:   to,
		ByKind:      make(map[core.LearningKind]int64),
	}

	var (
		adaptations  int64
		withFeedback int64
		latencySum   int64
		latencyCount int64
	)
	for i := range events {
		ev := &events[i]
		m.TotalEvents++
		m.ByKind[ev.Kind]++
		if ev.Impact.ModelUpdated {
			adaptations++
		}
		if ev.Feedback != nil {
			withFeedback++
		}
		if ev.Cost != nil {
			m.TotalCostUSD += ev.Cost.USD
			if ev.Cost.LatencyMS > 0 {
				latencySum += ev.Cost.LatencyMS
				latencyCount++
			}
		}
	}

	if days := to.Sub(from).Hours() / 24; days > 0 {
		m.EventsPerDay = float64(m.TotalEvents) / days
	}
	if m.TotalEvents > 0 {
		m.AdaptationRate = float64(adaptations) / float64(m.TotalEvents)
		m.FeedbackRate = float64(withFeedback) / float64(m.TotalEvents)
	}
	if latencyCount > 0 {
		m.AvgLatencyMS = float64(latencySum) / float64(latencyCount)
	}
	m.PerformanceImprovement = performanceImprovement(events)

	patterns, err := l.Patterns(ctx, domain, 0)
	if err != nil {
		return nil, err
	}
	if len(patterns) > 5 {
		patterns = patterns[:5]
	}
	m.TopPatterns = patterns

	return m, nil
}

// performanceImprovement is the split-half confidence delta over events
// whose feedback marked them correct: percentage change of the second
// half's mean confidence over the first half's. Zero when there are fewer
// than two qualifying events or the first half's mean is effectively zero.
func performanceImprovement(events []core.LearningEvent) float64 {
	var qualified []core.LearningEvent
	for _, ev := range events {
		if ev.Feedback != nil && ev.Feedback.Correct != nil && *ev.Feedback.Correct {
			qualified = append(qualified, ev)
		}
	}
	if len(qualified) < 2 {
		return 0
	}
	sort.Slice(qualified, func(i, j int) bool {
		return qualified[i].Timestamp.Before(qualified[j].Timestamp)
	})

	half := len(qualified) / 2
	first := meanConfidence(qualified[:half])
	second := meanConfidence(qualified[half:])
	if first < 1e-9 {
		return 0
	}
	return (second - first) / first * 100
}

func meanConfidence(events []core.LearningEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	var sum float64
	for _, ev := range events {
		sum += ev.Output.Confidence
	}
	return sum / float64(len(events))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
