package tier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

// newColdlessStore builds a facade without a cold tier, the supported mode
// when no archive bucket is configured.
func newColdlessStore(t *testing.T) (*Store, *fakeWarm) {
	t.Helper()
	hot, _ := newTestHot(t, time.Minute)
	warm := newFakeWarm()
	return NewStore(hot, warm, nil, metrics.New(), zerolog.Nop()), warm
}

func TestSweepExpiredWithoutColdTier(t *testing.T) {
	store, warm := newColdlessStore(t)
	sweeper := NewSweeper(store, 30*24*time.Hour, time.Minute, time.Minute, zerolog.Nop())
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	entry := testEntry("exp1")
	entry.ExpiresAt = &past
	cp := *entry
	cp.Version = 1
	warm.entries["exp1"] = &cp
	warm.expired = []core.MemoryEntry{cp}

	purged, err := sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.NotContains(t, warm.entries, "exp1")
}

func TestSweepArchiveNoopWithoutColdTier(t *testing.T) {
	store, warm := newColdlessStore(t)
	sweeper := NewSweeper(store, 30*24*time.Hour, time.Minute, time.Minute, zerolog.Nop())

	entry := testEntry("old1")
	warm.entries["old1"] = entry
	warm.archivable = []core.MemoryEntry{*entry}

	archived, err := sweeper.SweepArchive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, archived)
	assert.False(t, warm.entries["old1"].Archived)
}

func TestSweepArchiveDemotesOldEntries(t *testing.T) {
	store, warm, cold := newTestStore(t)
	sweeper := NewSweeper(store, 30*24*time.Hour, time.Minute, time.Minute, zerolog.Nop())
	ctx := context.Background()

	entry := testEntry("old2")
	_, err := store.PutEntry(ctx, entry)
	require.NoError(t, err)
	warm.archivable = []core.MemoryEntry{*warm.entries["old2"]}

	archived, err := sweeper.SweepArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.True(t, warm.entries["old2"].Archived)
	require.NotNil(t, cold.objects["old2"])
}
