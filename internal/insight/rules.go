package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/core"
)

const (
	highErrorRateThreshold   = 0.10
	latencyThresholdMS       = 500.0
	acceleratedEventsPerDay  = 10.0
	lowFeedbackRateThreshold = 0.20

	ruleWindow = 24 * time.Hour
)

// ruleInput is the per-domain aggregate the rules evaluate.
type ruleInput struct {
	Domain       string
	ErrorRate    float64
	EmaLatencyMS float64
	EventsPerDay float64
	FeedbackRate float64
}

// rule evaluates one condition over a domain aggregate and returns an
// insight when it fires.
type rule struct {
	Name string
	Eval func(in ruleInput) *core.Insight
}

var rules = []rule{
	{
		Name: "high_error_rate",
		Eval: func(in ruleInput) *core.Insight {
			if in.ErrorRate <= highErrorRateThreshold {
				return nil
			}
			return &core.Insight{
				Domain:          in.Domain,
				Type:            core.InsightRisk,
				Severity:        "high",
				Title:           "High error rate",
				Description:     fmt.Sprintf("%.0f%% of feedback in %s marked incorrect over the last day", in.ErrorRate*100, in.Domain),
				Metrics:         map[string]float64{"error_rate": in.ErrorRate},
				Recommendations: []string{"review recent model changes"},
			}
		},
	},
	{
		Name: "latency_degradation",
		Eval: func(in ruleInput) *core.Insight {
			if in.EmaLatencyMS <= latencyThresholdMS {
				return nil
			}
			return &core.Insight{
				Domain:          in.Domain,
				Type:            core.InsightAnomaly,
				Severity:        "medium",
				Title:           "Latency degradation",
				Description:     fmt.Sprintf("smoothed learning latency in %s is %.0fms", in.Domain, in.EmaLatencyMS),
				Metrics:         map[string]float64{"ema_latency_ms": in.EmaLatencyMS},
				Recommendations: []string{"scale / optimize"},
			}
		},
	},
	{
		Name: "accelerated_learning",
		Eval: func(in ruleInput) *core.Insight {
			if in.EventsPerDay <= acceleratedEventsPerDay {
				return nil
			}
			return &core.Insight{
				Domain:          in.Domain,
				Type:            core.InsightOpportunity,
				Severity:        "low",
				Title:           "Accelerated learning",
				Description:     fmt.Sprintf("%s is recording %.1f events/day", in.Domain, in.EventsPerDay),
				Metrics:         map[string]float64{"events_per_day": in.EventsPerDay},
				Recommendations: []string{"continue strategy"},
			}
		},
	},
	{
		Name: "low_feedback",
		Eval: func(in ruleInput) *core.Insight {
			if in.FeedbackRate >= lowFeedbackRateThreshold {
				return nil
			}
			return &core.Insight{
				Domain:          in.Domain,
				Type:            core.InsightRisk,
				Severity:        "medium",
				Title:           "Low feedback coverage",
				Description:     fmt.Sprintf("only %.0f%% of events in %s carry feedback", in.FeedbackRate*100, in.Domain),
				Metrics:         map[string]float64{"feedback_rate": in.FeedbackRate},
				Recommendations: []string{"add feedback prompts"},
			}
		},
	},
}

// GenerateInsights evaluates every rule against the last day of activity in
// every known domain. Fired rules persist an Insight row and publish
// insight.created.
func (p *Pipeline) GenerateInsights(ctx context.Context) error {
	domains, err := p.store.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate domains: %w", err)
	}

	now := time.Now().UTC()
	for _, domain := range domains {
		in, err := p.ruleInput(ctx, domain, now)
		if err != nil {
			p.log.Warn().Err(err).Str("domain", domain).Msg("rule input failed")
			continue
		}
		for _, r := range rules {
			ins := r.Eval(in)
			if ins == nil {
				continue
			}
			ins.ID = uuid.NewString()
			ins.CreatedAt = now
			if err := p.store.InsertInsight(ctx, ins); err != nil {
				p.log.Warn().Err(err).Str("rule", r.Name).Str("domain", domain).
					Msg("insight persist failed")
				continue
			}
			p.metrics.InsightsGenerated.WithLabelValues(r.Name).Inc()
			if err := p.events.Publish(bus.TopicInsightCreated, ins.ID, ins); err != nil {
				p.log.Warn().Err(err).Str("id", ins.ID).Msg("insight.created publish failed")
			}
		}
	}
	return nil
}

// ruleInput aggregates the last day of events for a domain. The latency
// figure comes from the realtime EMA, everything else from the ledger.
func (p *Pipeline) ruleInput(ctx context.Context, domain string, now time.Time) (ruleInput, error) {
	from := now.Add(-ruleWindow)
	events, err := p.store.QueryEvents(ctx, core.EventFilter{
		Domain: domain,
		From:   &from,
		To:     &now,
		Limit:  1000,
	})
	if err != nil {
		return ruleInput{}, err
	}

	in := ruleInput{Domain: domain}
	var withFeedback, errors int64
	for i := range events {
		ev := &events[i]
		if ev.Feedback != nil {
			withFeedback++
			if ev.Feedback.Correct != nil && !*ev.Feedback.Correct {
				errors++
			}
		}
	}
	total := int64(len(events))
	in.EventsPerDay = float64(total) / (ruleWindow.Hours() / 24)
	if withFeedback > 0 {
		in.ErrorRate = float64(errors) / float64(withFeedback)
	}
	if total > 0 {
		in.FeedbackRate = float64(withFeedback) / float64(total)
	}
	_, in.EmaLatencyMS = p.Snapshot(domain)
	return in, nil
}

// Domains enumerates every domain with recorded activity.
func (p *Pipeline) Domains(ctx context.Context) ([]string, error) {
	return p.store.ListDomains(ctx)
}

// Recent returns the most recently generated insights.
func (p *Pipeline) Recent(ctx context.Context, domain string, limit int) ([]core.Insight, error) {
	return p.store.ListInsights(ctx, domain, limit)
}
