package tier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/core"
)

const sweepBatch = 200

// Sweeper runs the two background lifecycle jobs: the archive sweep demotes
// old entries to the cold tier, the expiry sweep hard-deletes entries past
// their expires_at. Both run on independent tickers and back off for one
// full interval when the warm tier reports unavailability.
type Sweeper struct {
	store            *Store
	archiveThreshold time.Duration
	archiveInterval  time.Duration
	expiryInterval   time.Duration
	log              zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper configures the lifecycle jobs without starting them.
func NewSweeper(store *Store, archiveThreshold, archiveInterval, expiryInterval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:            store,
		archiveThreshold: archiveThreshold,
		archiveInterval:  archiveInterval,
		expiryInterval:   expiryInterval,
		log:              log.With().Str("component", "sweeper").Logger(),
	}
}

// Start launches both sweep loops.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.archiveInterval, "archive", s.SweepArchive)
	go s.loop(ctx, s.expiryInterval, "expiry", s.SweepExpired)
}

// Stop halts the loops and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) (int, error)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				if errors.Is(err, core.ErrTierUnavailable) {
					s.log.Warn().Str("sweep", name).Msg("warm tier unavailable, skipping cycle")
					continue
				}
				s.log.Error().Err(err).Str("sweep", name).Msg("sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Str("sweep", name).Int("processed", n).Msg("sweep cycle complete")
			}
		}
	}
}

// SweepArchive demotes unarchived entries older than the threshold. Failures
// on individual entries are logged and skipped so one bad object cannot
// stall the sweep. A no-op when no cold tier is configured.
func (s *Sweeper) SweepArchive(ctx context.Context) (int, error) {
	if !s.store.ColdEnabled() {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.archiveThreshold)

	out, err := s.store.execWarm(func() (interface{}, error) {
		return s.store.warm.ListArchivable(ctx, cutoff, sweepBatch)
	})
	if err != nil {
		return 0, err
	}
	entries, _ := out.([]core.MemoryEntry)

	archived := 0
	for i := range entries {
		if err := s.store.Archive(ctx, &entries[i]); err != nil {
			if errors.Is(err, core.ErrTierUnavailable) {
				return archived, err
			}
			s.log.Warn().Err(err).Str("id", entries[i].ID).Msg("archive failed for entry")
			continue
		}
		archived++
	}
	return archived, nil
}

// SweepExpired hard-deletes entries whose expiry has passed, including the
// archived body when one exists.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	out, err := s.store.execWarm(func() (interface{}, error) {
		return s.store.warm.ListExpired(ctx, now, sweepBatch)
	})
	if err != nil {
		return 0, err
	}
	entries, _ := out.([]core.MemoryEntry)

	purged := 0
	for i := range entries {
		if err := s.store.Purge(ctx, &entries[i]); err != nil {
			if errors.Is(err, core.ErrTierUnavailable) {
				return purged, err
			}
			s.log.Warn().Err(err).Str("id", entries[i].ID).Msg("purge failed for entry")
			continue
		}
		purged++
	}
	return purged, nil
}
