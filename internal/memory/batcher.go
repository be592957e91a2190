package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const accessFlushInterval = 5 * time.Second

// accessBatcher accumulates access-count bumps in memory and flushes the
// deltas to the warm tier on a ticker. At-least-once: deltas that fail to
// flush are folded back into the pending map and retried next cycle.
type accessBatcher struct {
	store Store
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]int64

	done chan struct{}
	wg   sync.WaitGroup
}

func newAccessBatcher(store Store, log zerolog.Logger) *accessBatcher {
	b := &accessBatcher{
		store:   store,
		log:     log,
		pending: make(map[string]int64),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *accessBatcher) bump(id string) {
	b.mu.Lock()
	b.pending[id]++
	b.mu.Unlock()
}

func (b *accessBatcher) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(accessFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *accessBatcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]int64)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for id, delta := range batch {
		if err := b.store.BumpAccess(ctx, id, delta, now); err != nil {
			b.log.Warn().Err(err).Str("id", id).Int64("delta", delta).
				Msg("access bump flush failed, requeueing")
			b.mu.Lock()
			b.pending[id] += delta
			b.mu.Unlock()
		}
	}
}

func (b *accessBatcher) stop() {
	close(b.done)
	b.wg.Wait()
}
