package tier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

// fakeWarm is an in-memory WarmTier covering the entry paths the facade
// exercises. Unrelated methods are stubs.
type fakeWarm struct {
	entries    map[string]*core.MemoryEntry
	version    int64
	fail       error
	archivable []core.MemoryEntry
	expired    []core.MemoryEntry
}

func newFakeWarm() *fakeWarm {
	return &fakeWarm{entries: make(map[string]*core.MemoryEntry)}
}

func (f *fakeWarm) UpsertEntry(_ context.Context, entry *core.MemoryEntry) (int64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.version++
	cp := *entry
	cp.Version = f.version
	cp.Archived = false
	f.entries[entry.ID] = &cp
	return f.version, nil
}

func (f *fakeWarm) GetEntry(_ context.Context, id string) (*core.MemoryEntry, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	e, ok := f.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeWarm) MarkArchived(_ context.Context, id string) error {
	if e, ok := f.entries[id]; ok {
		e.Archived = true
		e.Payload = map[string]interface{}{}
	}
	return f.fail
}

func (f *fakeWarm) RestoreArchived(_ context.Context, entry *core.MemoryEntry) error {
	cp := *entry
	cp.Archived = false
	f.entries[entry.ID] = &cp
	return f.fail
}

func (f *fakeWarm) DeleteEntry(_ context.Context, id string) error {
	delete(f.entries, id)
	return f.fail
}

func (f *fakeWarm) QueryEntries(context.Context, core.MemoryFilter) ([]core.MemoryEntry, error) {
	return nil, f.fail
}
func (f *fakeWarm) SearchSimilar(context.Context, []float32, string, int, float64) ([]core.SimilarityMatch, error) {
	return nil, f.fail
}
func (f *fakeWarm) BumpAccess(context.Context, string, int64, time.Time) error { return f.fail }
func (f *fakeWarm) ListArchivable(context.Context, time.Time, int) ([]core.MemoryEntry, error) {
	out := f.archivable
	f.archivable = nil
	return out, f.fail
}
func (f *fakeWarm) ListExpired(context.Context, time.Time, int) ([]core.MemoryEntry, error) {
	out := f.expired
	f.expired = nil
	return out, f.fail
}
func (f *fakeWarm) AggregateEntries(context.Context, string, string, time.Time, time.Time) (*core.MemoryAggregation, error) {
	return &core.MemoryAggregation{}, f.fail
}
func (f *fakeWarm) UpsertRelationship(context.Context, core.Relationship) error { return f.fail }
func (f *fakeWarm) ListRelationships(context.Context, string, core.RelationshipKind) ([]core.Relationship, error) {
	return nil, f.fail
}
func (f *fakeWarm) InsertEvent(context.Context, *core.LearningEvent) (bool, error) {
	return false, f.fail
}
func (f *fakeWarm) QueryEvents(context.Context, core.EventFilter) ([]core.LearningEvent, error) {
	return nil, f.fail
}
func (f *fakeWarm) EventsSince(context.Context, string, time.Time, int, int) ([]core.LearningEvent, error) {
	return nil, f.fail
}
func (f *fakeWarm) UpsertPattern(context.Context, *core.LearningPattern) error { return f.fail }
func (f *fakeWarm) ListPatterns(context.Context, string, int64) ([]core.LearningPattern, error) {
	return nil, f.fail
}
func (f *fakeWarm) InsertInsight(context.Context, *core.Insight) error { return f.fail }
func (f *fakeWarm) ListInsights(context.Context, string, int) ([]core.Insight, error) {
	return nil, f.fail
}
func (f *fakeWarm) InsertMetricPoint(context.Context, string, string, float64, time.Time) error {
	return f.fail
}
func (f *fakeWarm) ListDomains(context.Context) ([]string, error) { return nil, f.fail }
func (f *fakeWarm) AppendQueue(context.Context, string, *core.Envelope) error {
	return f.fail
}
func (f *fakeWarm) PeekQueue(context.Context, string, int) ([]QueuedEnvelope, error) {
	return nil, f.fail
}
func (f *fakeWarm) DeleteQueue(context.Context, []int64) error        { return f.fail }
func (f *fakeWarm) QueueDepth(context.Context, string) (int64, error) { return 0, f.fail }
func (f *fakeWarm) MarkApplied(context.Context, string) (bool, error) { return false, f.fail }
func (f *fakeWarm) Ping(context.Context) error                        { return f.fail }
func (f *fakeWarm) Close() error                                      { return nil }

// fakeCold is an in-memory ColdTier keyed by entry id.
type fakeCold struct {
	objects map[string]*core.MemoryEntry
}

func newFakeCold() *fakeCold {
	return &fakeCold{objects: make(map[string]*core.MemoryEntry)}
}

func (f *fakeCold) PutEntry(_ context.Context, entry *core.MemoryEntry) error {
	cp := *entry
	f.objects[entry.ID] = &cp
	return nil
}

func (f *fakeCold) GetEntry(_ context.Context, _, _, id string) (*core.MemoryEntry, error) {
	e, ok := f.objects[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeCold) DeleteEntry(_ context.Context, _, _, id string) error {
	delete(f.objects, id)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeWarm, *fakeCold) {
	t.Helper()
	hot, _ := newTestHot(t, time.Minute)
	warm := newFakeWarm()
	cold := newFakeCold()
	store := NewStore(hot, warm, cold, metrics.New(), zerolog.Nop())
	return store, warm, cold
}

func TestStoreWriteThrough(t *testing.T) {
	store, warm, _ := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("w1")
	version, err := store.PutEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, int64(1), entry.Version)

	// Warm row exists and the hot copy serves the next read without warm.
	require.NotNil(t, warm.entries["w1"])
	warm.fail = errors.New("warm down")
	got, err := store.GetEntry(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "w1", got.ID)
}

func TestStoreReadPromotesWarmHit(t *testing.T) {
	store, warm, _ := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("w2")
	_, err := warm.UpsertEntry(ctx, entry)
	require.NoError(t, err)

	got, err := store.GetEntry(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Promotion means the second read succeeds with the warm tier down.
	warm.fail = errors.New("warm down")
	got, err = store.GetEntry(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStoreGetUnknownID(t *testing.T) {
	store, _, _ := newTestStore(t)

	got, err := store.GetEntry(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreExpiredEntryNotServed(t *testing.T) {
	store, warm, _ := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	entry := testEntry("w3")
	entry.ExpiresAt = &past
	cp := *entry
	cp.Version = 1
	warm.entries["w3"] = &cp

	got, err := store.GetEntry(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreArchiveAndRestore(t *testing.T) {
	store, warm, cold := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("w4")
	_, err := store.PutEntry(ctx, entry)
	require.NoError(t, err)

	require.NoError(t, store.Archive(ctx, entry))
	assert.True(t, warm.entries["w4"].Archived)
	assert.Empty(t, warm.entries["w4"].Payload)
	require.NotNil(t, cold.objects["w4"])

	// Get inlines the cold body and promotes it back to warm.
	got, err := store.GetEntry(ctx, "w4")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Archived)
	assert.Equal(t, "observed fill", got.Payload["note"])
	assert.False(t, warm.entries["w4"].Archived)
}

func TestStorePurgeRemovesAllTiers(t *testing.T) {
	store, warm, cold := newTestStore(t)
	ctx := context.Background()

	entry := testEntry("w5")
	_, err := store.PutEntry(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, store.Archive(ctx, entry))

	archived := warm.entries["w5"]
	require.NoError(t, store.Purge(ctx, archived))
	assert.NotContains(t, warm.entries, "w5")
	assert.NotContains(t, cold.objects, "w5")
}

func TestStoreBreakerOpensOnRepeatedFailure(t *testing.T) {
	store, warm, _ := newTestStore(t)
	ctx := context.Background()

	warm.fail = errors.New("connection refused")
	for i := 0; i < 5; i++ {
		_, err := store.GetEntry(ctx, "x")
		require.Error(t, err)
	}

	// Breaker is open now; the underlying error is no longer reached.
	warm.fail = nil
	_, err := store.GetEntry(ctx, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTierUnavailable)
}
