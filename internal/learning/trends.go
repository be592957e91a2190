package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/agentfleet/memsync/internal/core"
)

// stableSlopeBand is the half-width of the slope band classified as stable.
const stableSlopeBand = 0.05

// Trends buckets the window into equal sub-windows, computes the
// performance improvement per bucket, fits a least-squares line and
// classifies the slope. The forecast extrapolates the fitted line for
// `periods` further buckets.
func (l *Ledger) Trends(ctx context.Context, domain string, from, to time.Time, buckets, periods int) (*core.TrendReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: window end precedes start", core.ErrInvalidInput)
	}
	if buckets <= 0 {
		buckets = 4
	}
	if periods <= 0 {
		periods = 3
	}

	step := to.Sub(from) / time.Duration(buckets)
	series := make([]float64, 0, buckets)
	for i := 0; i < buckets; i++ {
		bucketFrom := from.Add(time.Duration(i) * step)
		bucketTo := bucketFrom.Add(step)
		if i == buckets-1 {
			bucketTo = to
		}

		events, err := l.warm.QueryEvents(ctx, core.EventFilter{
			Domain: domain,
			From:   &bucketFrom,
			To:     &bucketTo,
			Limit:  metricsWindowLimit,
		})
		if err != nil {
			return nil, err
		}
		series = append(series, performanceImprovement(events))
	}

	slope, intercept := linearFit(series)

	report := &core.TrendReport{
		Domain:   domain,
		Slope:    slope,
		Series:   series,
		Forecast: make([]float64, 0, periods),
	}
	switch {
	case slope > stableSlopeBand:
		report.Trend = core.TrendImproving
	case slope < -stableSlopeBand:
		report.Trend = core.TrendDeclining
	default:
		report.Trend = core.TrendStable
	}

	for i := 0; i < periods; i++ {
		x := float64(len(series) + i)
		report.Forecast = append(report.Forecast, intercept+slope*x)
	}

	report.Insights = trendInsights(report)
	return report, nil
}

// linearFit returns the least-squares slope and intercept of the series
// over x = 0..n-1. A series shorter than two points has slope zero.
func linearFit(series []float64) (slope, intercept float64) {
	n := float64(len(series))
	if n < 2 {
		if n == 1 {
			return 0, series[0]
		}
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func trendInsights(r *core.TrendReport) []string {
	var out []string
	switch r.Trend {
	case core.TrendImproving:
		out = append(out, fmt.Sprintf("performance improving at %.2f per period in %s", r.Slope, r.Domain))
	case core.TrendDeclining:
		out = append(out, fmt.Sprintf("performance declining at %.2f per period in %s", r.Slope, r.Domain))
	default:
		out = append(out, fmt.Sprintf("performance stable in %s", r.Domain))
	}
	if len(r.Forecast) > 0 && r.Trend == core.TrendDeclining && r.Forecast[len(r.Forecast)-1] < 0 {
		out = append(out, "forecast crosses zero; review recent corrections")
	}
	return out
}
