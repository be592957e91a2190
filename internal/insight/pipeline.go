// Package insight folds learning activity into realtime per-domain stats,
// persists periodic rollups, and fires rule-based insights over recent
// aggregates.
package insight

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

const (
	foldInterval = time.Second

	// latencyAlpha is the EMA smoothing factor for observed latency.
	latencyAlpha = 0.1
)

// Store is the warm-tier slice the pipeline consumes. Satisfied by
// tier.WarmTier.
type Store interface {
	QueryEvents(ctx context.Context, f core.EventFilter) ([]core.LearningEvent, error)
	InsertInsight(ctx context.Context, ins *core.Insight) error
	ListInsights(ctx context.Context, domain string, limit int) ([]core.Insight, error)
	InsertMetricPoint(ctx context.Context, domain, metric string, value float64, at time.Time) error
	ListDomains(ctx context.Context) ([]string, error)
}

// domainStats is the realtime fold for one domain. Counters accumulate
// between rollups; rate and EMA survive across them.
type domainStats struct {
	events       int64
	errors       int64
	withFeedback int64
	ratePerSec   float64
	emaLatencyMS float64
	lastSecond   int64
}

// Pipeline runs the three loops: realtime fold (1s), rollup persist, and
// rule evaluation.
type Pipeline struct {
	store   Store
	events  *bus.Bus
	metrics *metrics.Registry
	log     zerolog.Logger

	rollupInterval  time.Duration
	insightInterval time.Duration

	mu      sync.Mutex
	domains map[string]*domainStats
	pending map[string]int64 // events observed in the current second

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the pipeline and subscribes it to learning activity.
func New(store Store, events *bus.Bus, reg *metrics.Registry, rollupInterval, insightInterval time.Duration, log zerolog.Logger) (*Pipeline, error) {
	p := &Pipeline{
		store:           store,
		events:          events,
		metrics:         reg,
		log:             log.With().Str("component", "insight").Logger(),
		rollupInterval:  rollupInterval,
		insightInterval: insightInterval,
		domains:         make(map[string]*domainStats),
		pending:         make(map[string]int64),
	}
	if err := events.Subscribe(bus.TopicLearningRecorded, "insight-pipeline", p.onLearningEvent); err != nil {
		return nil, err
	}
	return p, nil
}

// onLearningEvent folds one recorded event into the realtime stats.
func (p *Pipeline) onLearningEvent(_ context.Context, ev bus.Event) {
	learning, ok := ev.Payload.(*core.LearningEvent)
	if !ok {
		return
	}
	p.Observe(learning)
}

// Observe folds one event. Exposed so the sync inbound path can feed
// replicated events through the same stats.
func (p *Pipeline) Observe(ev *core.LearningEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats(ev.Domain)
	s.events++
	p.pending[ev.Domain]++
	if ev.Feedback != nil {
		s.withFeedback++
		if ev.Feedback.Correct != nil && !*ev.Feedback.Correct {
			s.errors++
		}
	}
	if ev.Cost != nil && ev.Cost.LatencyMS > 0 {
		if s.emaLatencyMS == 0 {
			s.emaLatencyMS = float64(ev.Cost.LatencyMS)
		} else {
			s.emaLatencyMS = latencyAlpha*float64(ev.Cost.LatencyMS) + (1-latencyAlpha)*s.emaLatencyMS
		}
	}
}

func (p *Pipeline) stats(domain string) *domainStats {
	s, ok := p.domains[domain]
	if !ok {
		s = &domainStats{}
		p.domains[domain] = s
	}
	return s
}

// Start launches the fold, rollup and insight loops.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(3)
	go p.foldLoop(ctx)
	go p.tickLoop(ctx, p.rollupInterval, "rollup", p.Rollup)
	go p.tickLoop(ctx, p.insightInterval, "insight", p.GenerateInsights)
}

// Stop halts the loops.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) foldLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(foldInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.foldSecond()
		}
	}
}

// foldSecond moves the per-second counters into the rate figure.
func (p *Pipeline) foldSecond() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for domain, n := range p.pending {
		s := p.stats(domain)
		s.ratePerSec = float64(n)
		s.lastSecond = n
	}
	for domain, s := range p.domains {
		if p.pending[domain] == 0 {
			s.ratePerSec = 0
			s.lastSecond = 0
		}
	}
	p.pending = make(map[string]int64)
}

func (p *Pipeline) tickLoop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				p.log.Error().Err(err).Str("loop", name).Msg("pipeline cycle failed")
			}
		}
	}
}

// Rollup persists the accumulated window counters as metric points and
// resets them. Zero-denominator rates roll up as 0.
func (p *Pipeline) Rollup(ctx context.Context) error {
	now := time.Now().UTC()

	p.mu.Lock()
	snapshot := make(map[string]domainStats, len(p.domains))
	for domain, s := range p.domains {
		snapshot[domain] = *s
		s.events = 0
		s.errors = 0
		s.withFeedback = 0
	}
	p.mu.Unlock()

	for domain, s := range snapshot {
		var errorRate, feedbackRate float64
		if s.withFeedback > 0 {
			errorRate = float64(s.errors) / float64(s.withFeedback)
		}
		if s.events > 0 {
			feedbackRate = float64(s.withFeedback) / float64(s.events)
		}
		points := map[string]float64{
			"events":        float64(s.events),
			"error_rate":    errorRate,
			"feedback_rate": feedbackRate,
			"ema_latency":   s.emaLatencyMS,
		}
		for metric, value := range points {
			if err := p.store.InsertMetricPoint(ctx, domain, metric, value, now); err != nil {
				p.log.Warn().Err(err).Str("domain", domain).Str("metric", metric).
					Msg("rollup persist failed")
			}
		}
	}
	return nil
}

// Snapshot returns a copy of the current realtime stats for a domain.
func (p *Pipeline) Snapshot(domain string) (ratePerSec, emaLatencyMS float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.domains[domain]; ok {
		return s.ratePerSec, s.emaLatencyMS
	}
	return 0, 0
}
