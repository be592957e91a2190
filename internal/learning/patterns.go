package learning

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentfleet/memsync/internal/core"
)

// PatternSweeper periodically folds the hot-tier counter hashes into
// persisted learning_patterns rows. Counters keep accumulating across
// sweeps; each sweep writes the current totals.
type PatternSweeper struct {
	ledger   *Ledger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPatternSweeper configures the sweep without starting it.
func NewPatternSweeper(ledger *Ledger, interval time.Duration) *PatternSweeper {
	return &PatternSweeper{ledger: ledger, interval: interval}
}

// Start launches the sweep loop.
func (s *PatternSweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.Sweep(ctx); err != nil {
					s.ledger.log.Error().Err(err).Msg("pattern sweep failed")
				} else if n > 0 {
					s.ledger.log.Debug().Int("patterns", n).Msg("pattern sweep complete")
				}
			}
		}
	}()
}

// Stop halts the loop.
func (s *PatternSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep persists one snapshot of every active counter hash.
func (s *PatternSweeper) Sweep(ctx context.Context) (int, error) {
	keys, err := s.ledger.hot.ScanKeys(ctx, "pat:*")
	if err != nil {
		return 0, err
	}

	persisted := 0
	for _, key := range keys {
		pattern, ok := s.ledger.patternFromCounters(ctx, key)
		if !ok {
			continue
		}
		if err := s.ledger.warm.UpsertPattern(ctx, pattern); err != nil {
			s.ledger.log.Warn().Err(err).Str("key", key).Msg("pattern upsert failed")
			continue
		}
		persisted++
	}
	return persisted, nil
}

// patternFromCounters materializes a pattern row from one counter hash.
func (l *Ledger) patternFromCounters(ctx context.Context, key string) (*core.LearningPattern, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}
	domain, signature := parts[1], parts[2]

	fields, err := l.hot.GetFields(ctx, key)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("counter read failed")
		return nil, false
	}

	frequency := parseInt(fields["frequency"])
	if frequency == 0 {
		return nil, false
	}

	now := time.Now().UTC()
	p := &core.LearningPattern{
		Domain:    domain,
		Signature: signature,
		Frequency: frequency,
		FirstSeen: now, // preserved on conflict; only the first sweep sets it
		LastSeen:  now,
	}
	p.SuccessRate = clamp01(float64(parseInt(fields["success_count"])) / float64(frequency))
	p.AvgConfidence = clamp01(parseFloat(fields["confidence_sum"]) / float64(frequency))
	if fc := parseInt(fields["feedback_count"]); fc > 0 {
		p.FeedbackScore = clamp01(parseFloat(fields["feedback_sum"]) / float64(fc))
	}
	return p, true
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
