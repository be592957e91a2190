package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/config"
	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
	"github.com/agentfleet/memsync/internal/tier"
)

// fakeQueueStore is an in-memory QueueStore.
type fakeQueueStore struct {
	mu      sync.Mutex
	seq     int64
	queues  map[string][]tier.QueuedEnvelope
	applied map[string]bool
	history []core.LearningEvent
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		queues:  make(map[string][]tier.QueuedEnvelope),
		applied: make(map[string]bool),
	}
}

func (f *fakeQueueStore) AppendQueue(_ context.Context, peerID string, env *core.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.queues[peerID] = append(f.queues[peerID], tier.QueuedEnvelope{Seq: f.seq, PeerID: peerID, Envelope: *env})
	return nil
}

func (f *fakeQueueStore) PeekQueue(_ context.Context, peerID string, limit int) ([]tier.QueuedEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queues[peerID]
	if len(q) > limit {
		q = q[:limit]
	}
	out := make([]tier.QueuedEnvelope, len(q))
	copy(out, q)
	return out, nil
}

func (f *fakeQueueStore) DeleteQueue(_ context.Context, seqs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[int64]bool, len(seqs))
	for _, s := range seqs {
		drop[s] = true
	}
	for peerID, q := range f.queues {
		var kept []tier.QueuedEnvelope
		for _, item := range q {
			if !drop[item.Seq] {
				kept = append(kept, item)
			}
		}
		f.queues[peerID] = kept
	}
	return nil
}

func (f *fakeQueueStore) QueueDepth(_ context.Context, peerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.queues[peerID])), nil
}

func (f *fakeQueueStore) MarkApplied(_ context.Context, envelopeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[envelopeID] {
		return false, nil
	}
	f.applied[envelopeID] = true
	return true, nil
}

func (f *fakeQueueStore) EventsSince(_ context.Context, domain string, since time.Time, limit, offset int) ([]core.LearningEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []core.LearningEvent
	for _, ev := range f.history {
		if ev.Timestamp.Before(since) {
			continue
		}
		if domain != "" && ev.Domain != domain {
			continue
		}
		matched = append(matched, ev)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// fakeAppliers record replicated payloads.
type fakeAppliers struct {
	mu      sync.Mutex
	entries []core.MemoryEntry
	events  []core.LearningEvent
}

type memApplier struct{ f *fakeAppliers }

func (a memApplier) ApplySync(_ context.Context, entry *core.MemoryEntry) (*core.MemoryEntry, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	a.f.entries = append(a.f.entries, *entry)
	return entry, nil
}

type learnApplier struct{ f *fakeAppliers }

func (a learnApplier) ApplySync(_ context.Context, ev *core.LearningEvent) (*core.LearningEvent, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	a.f.events = append(a.f.events, *ev)
	return ev, nil
}

func (f *fakeAppliers) entryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeAppliers) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testSyncConfig(peers ...config.PeerConfig) config.SyncConfig {
	return config.SyncConfig{
		Peers:         peers,
		SyncInterval:  20 * time.Millisecond,
		RetryDelay:    20 * time.Millisecond,
		MaxRetryDelay: 100 * time.Millisecond,
		HighWaterMark: 100,
		BatchSize:     10,
	}
}

func newTestFabric(t *testing.T, serviceID string, cfg config.SyncConfig) (*Fabric, *fakeQueueStore, *fakeAppliers, *bus.Bus) {
	t.Helper()
	store := newFakeQueueStore()
	appliers := &fakeAppliers{}
	b := bus.New()
	t.Cleanup(b.Close)
	f, err := New(serviceID, store, memApplier{appliers}, learnApplier{appliers}, b, metrics.New(), cfg, zerolog.Nop())
	require.NoError(t, err)
	return f, store, appliers, b
}

func memoryEnvelope(t *testing.T, source string) *core.Envelope {
	t.Helper()
	entry := core.MemoryEntry{
		ID:        uuid.NewString(),
		ServiceID: source,
		AgentID:   "agent-1",
		Domain:    "trading",
		Kind:      core.MemorySemantic,
		Payload:   map[string]interface{}{"fact": "x"},
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	return &core.Envelope{
		ID:        uuid.NewString(),
		Type:      core.PayloadMemory,
		Action:    core.ActionCreate,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// replyLog collects replies behind a mutex; backfill replies arrive from a
// separate goroutine.
type replyLog struct {
	mu      sync.Mutex
	replies []core.Envelope
}

func (r *replyLog) add(env *core.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, *env)
}

func (r *replyLog) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func (r *replyLog) snapshot() []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Envelope, len(r.replies))
	copy(out, r.replies)
	return out
}

func collectReplies() (func(*core.Envelope), *replyLog) {
	log := &replyLog{}
	return log.add, log
}

func TestBroadcastFiltersByAcceptance(t *testing.T) {
	cfg := testSyncConfig(
		config.PeerConfig{ID: "peer-all", Endpoint: "ws://unused"},
		config.PeerConfig{ID: "peer-support", Endpoint: "ws://unused", Domains: []string{"support"}},
		config.PeerConfig{ID: "peer-learning", Endpoint: "ws://unused", Kinds: []string{"learning"}},
	)
	f, store, _, _ := newTestFabric(t, "svc-a", cfg)
	ctx := context.Background()

	f.Broadcast(ctx, memoryEnvelope(t, "svc-a"), "trading")

	assert.Len(t, store.queues["peer-all"], 1)
	assert.Empty(t, store.queues["peer-support"])
	assert.Empty(t, store.queues["peer-learning"])
}

func TestEnqueueDropsAtHighWaterMark(t *testing.T) {
	cfg := testSyncConfig(config.PeerConfig{ID: "peer-b", Endpoint: "ws://unused"})
	cfg.HighWaterMark = 2
	f, store, _, _ := newTestFabric(t, "svc-a", cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.Broadcast(ctx, memoryEnvelope(t, "svc-a"), "trading")
	}
	assert.Len(t, store.queues["peer-b"], 2)
}

func TestDispatchDropsOwnSource(t *testing.T) {
	f, store, appliers, _ := newTestFabric(t, "svc-a", testSyncConfig())

	reply, replies := collectReplies()
	f.dispatch(context.Background(), memoryEnvelope(t, "svc-a"), reply)

	assert.Zero(t, appliers.entryCount())
	assert.Zero(t, replies.len())
	assert.Empty(t, store.applied)
}

func TestDispatchAppliesMemoryAndAcks(t *testing.T) {
	f, _, appliers, _ := newTestFabric(t, "svc-a", testSyncConfig())

	reply, replies := collectReplies()
	env := memoryEnvelope(t, "svc-b")
	f.dispatch(context.Background(), env, reply)

	assert.Equal(t, 1, appliers.entryCount())
	got := replies.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, core.ActionAck, got[0].Action)
	assert.Equal(t, env.ID, got[0].CorrelationID)
	assert.Equal(t, "svc-b", got[0].Target)
}

func TestDispatchDuplicateIsNoopWithAck(t *testing.T) {
	f, _, appliers, _ := newTestFabric(t, "svc-a", testSyncConfig())
	ctx := context.Background()

	env := memoryEnvelope(t, "svc-b")
	reply, _ := collectReplies()
	f.dispatch(ctx, env, reply)
	f.dispatch(ctx, env, reply)

	assert.Equal(t, 1, appliers.entryCount())
}

func TestDispatchInvalidEnvelope(t *testing.T) {
	f, _, _, _ := newTestFabric(t, "svc-a", testSyncConfig())

	reply, replies := collectReplies()
	f.dispatch(context.Background(), &core.Envelope{Source: "svc-b"}, reply)

	got := replies.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, core.ActionError, got[0].Action)
}

func TestDispatchModelPassThrough(t *testing.T) {
	f, _, _, b := newTestFabric(t, "svc-a", testSyncConfig())

	received := make(chan bus.Event, 1)
	require.NoError(t, b.Subscribe(bus.TopicInboundModel, "test", func(_ context.Context, ev bus.Event) {
		received <- ev
	}))

	env := memoryEnvelope(t, "svc-b")
	env.Type = core.PayloadModel
	reply, _ := collectReplies()
	f.dispatch(context.Background(), env, reply)

	select {
	case ev := <-received:
		assert.Equal(t, env.ID, ev.Key)
	case <-time.After(time.Second):
		t.Fatal("model envelope not passed through")
	}
}

func TestSyncRequestBackfill(t *testing.T) {
	f, store, _, _ := newTestFabric(t, "svc-a", testSyncConfig())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 120; i++ {
		store.history = append(store.history, core.LearningEvent{
			ID:        uuid.NewString(),
			ServiceID: "svc-a",
			AgentID:   "agent-1",
			Domain:    "trading",
			Kind:      core.LearningTraining,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	// One event before the cutoff that must not be served.
	store.history = append(store.history, core.LearningEvent{
		ID: uuid.NewString(), Domain: "trading", Timestamp: base.Add(-time.Hour),
	})

	data, err := json.Marshal(core.SyncRequestData{Since: base, Domains: []string{"trading"}})
	require.NoError(t, err)
	req := &core.Envelope{
		ID:        uuid.NewString(),
		Type:      core.PayloadLearning,
		Action:    core.ActionSyncRequest,
		Source:    "svc-b", // not a registered peer: replies flow back directly
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	reply, replies := collectReplies()
	f.dispatch(ctx, req, reply)

	// The backfill runs off the dispatch path: 120 learning envelopes plus
	// the trailing ack arrive asynchronously.
	require.Eventually(t, func() bool {
		return replies.len() == 121
	}, 5*time.Second, 10*time.Millisecond, "backfill replies incomplete")

	got := replies.snapshot()
	assert.Equal(t, core.ActionAck, got[120].Action)
	for _, env := range got[:120] {
		assert.Equal(t, core.PayloadLearning, env.Type)
		assert.Equal(t, req.ID, env.CorrelationID)
	}
}

func TestEndToEndReplication(t *testing.T) {
	// Service B accepts inbound connections.
	cfgB := testSyncConfig()
	fb, _, appliersB, _ := newTestFabric(t, "svc-b", cfgB)
	srv := httptest.NewServer(http.HandlerFunc(fb.ServeWS))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	cfgA := testSyncConfig(config.PeerConfig{ID: "svc-b", Endpoint: endpoint})
	fa, _, _, _ := newTestFabric(t, "svc-a", cfgA)

	fa.Start()
	defer fa.Stop()

	env := memoryEnvelope(t, "svc-a")
	fa.Broadcast(context.Background(), env, "trading")

	require.Eventually(t, func() bool {
		return appliersB.entryCount() == 1
	}, 5*time.Second, 20*time.Millisecond, "envelope never applied by the remote service")

	// Redelivering the same envelope id is a no-op on B.
	reply, _ := collectReplies()
	fb.dispatch(context.Background(), env, reply)
	assert.Equal(t, 1, appliersB.entryCount())

	peers := fa.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, core.PeerConnected, peers[0].State)
}

func TestRegistryStateTransitions(t *testing.T) {
	r := NewRegistry([]config.PeerConfig{{ID: "p1", Endpoint: "ws://x"}})

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, core.PeerDisconnected, p.State)

	r.SetState("p1", core.PeerConnecting)
	r.SetState("p1", core.PeerConnected)
	r.Touch("p1")

	p, _ = r.Get("p1")
	assert.Equal(t, core.PeerConnected, p.State)
	assert.False(t, p.LastSeen.IsZero())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, core.PeerConnected, snap[0].State)
}
