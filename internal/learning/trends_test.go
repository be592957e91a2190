package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/memsync/internal/core"
)

func TestLinearFit(t *testing.T) {
	t.Run("perfect line", func(t *testing.T) {
		slope, intercept := linearFit([]float64{1, 3, 5, 7})
		assert.InDelta(t, 2, slope, 1e-9)
		assert.InDelta(t, 1, intercept, 1e-9)
	})

	t.Run("flat series", func(t *testing.T) {
		slope, intercept := linearFit([]float64{4, 4, 4})
		assert.InDelta(t, 0, slope, 1e-9)
		assert.InDelta(t, 4, intercept, 1e-9)
	})

	t.Run("short series", func(t *testing.T) {
		slope, _ := linearFit([]float64{2})
		assert.Zero(t, slope)
		slope, intercept := linearFit(nil)
		assert.Zero(t, slope)
		assert.Zero(t, intercept)
	})
}

// seedTrend writes feedback-correct events whose confidence steps per
// bucket so the per-bucket improvement forms the wanted series shape.
func seedTrend(t *testing.T, l *Ledger, from time.Time, step time.Duration, bucketConf []float64) {
	t.Helper()
	correct := true
	for bucket, conf := range bucketConf {
		bucketStart := from.Add(time.Duration(bucket) * step)
		// Two events per bucket: flat first half, raised second half gives
		// the bucket a positive improvement proportional to the raise.
		for i, c := range []float64{0.5, conf} {
			ev := validEvent()
			ev.Timestamp = bucketStart.Add(time.Duration(i+1) * time.Minute)
			ev.Output.Confidence = c
			ev.Feedback = &core.LearningFeedbackBlock{Correct: &correct}
			_, err := l.Record(context.Background(), ev)
			require.NoError(t, err)
		}
	}
}

func TestTrendsImproving(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	from := time.Now().UTC().Add(-4 * time.Hour)
	// Improvement per bucket: 0%, 20%, 40%, 60%.
	seedTrend(t, l, from, time.Hour, []float64{0.5, 0.6, 0.7, 0.8})

	report, err := l.Trends(ctx, "trading", from, from.Add(4*time.Hour), 4, 3)
	require.NoError(t, err)
	assert.Equal(t, core.TrendImproving, report.Trend)
	assert.Greater(t, report.Slope, stableSlopeBand)
	assert.Len(t, report.Series, 4)
	assert.Len(t, report.Forecast, 3)
	assert.NotEmpty(t, report.Insights)

	// Extrapolation continues the upward line.
	assert.Greater(t, report.Forecast[0], report.Series[len(report.Series)-1]-1e-9)
}

func TestTrendsStableOnFlatSeries(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	from := time.Now().UTC().Add(-4 * time.Hour)
	seedTrend(t, l, from, time.Hour, []float64{0.6, 0.6, 0.6, 0.6})

	report, err := l.Trends(ctx, "trading", from, from.Add(4*time.Hour), 4, 3)
	require.NoError(t, err)
	assert.Equal(t, core.TrendStable, report.Trend)
}

func TestTrendsDeclining(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	from := time.Now().UTC().Add(-4 * time.Hour)
	seedTrend(t, l, from, time.Hour, []float64{0.9, 0.8, 0.7, 0.6})

	report, err := l.Trends(ctx, "trading", from, from.Add(4*time.Hour), 4, 3)
	require.NoError(t, err)
	assert.Equal(t, core.TrendDeclining, report.Trend)
	assert.Less(t, report.Slope, -stableSlopeBand)
}

func TestTrendsEmptyWindow(t *testing.T) {
	l, _, _, _ := newTestLedger(t)

	from := time.Now().UTC().Add(-time.Hour)
	report, err := l.Trends(context.Background(), "trading", from, time.Now().UTC(), 4, 3)
	require.NoError(t, err)
	assert.Equal(t, core.TrendStable, report.Trend)
	assert.Equal(t, []float64{0, 0, 0, 0}, report.Series)
}

func TestTrendsRejectsInvertedWindow(t *testing.T) {
	l, _, _, _ := newTestLedger(t)

	now := time.Now()
	_, err := l.Trends(context.Background(), "trading", now, now.Add(-time.Hour), 4, 3)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
