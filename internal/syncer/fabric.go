package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/config"
	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
	"github.com/agentfleet/memsync/internal/tier"
)

// MemoryApplier applies replicated memory entries without re-publishing
// them. Satisfied by *memory.Engine.
type MemoryApplier interface {
	ApplySync(ctx context.Context, entry *core.MemoryEntry) (*core.MemoryEntry, error)
}

// LearningApplier applies replicated learning events without re-publishing
// them. Satisfied by *learning.Ledger.
type LearningApplier interface {
	ApplySync(ctx context.Context, ev *core.LearningEvent) (*core.LearningEvent, error)
}

// QueueStore is the warm-tier slice backing the durable per-peer queues and
// the idempotency ledger. Satisfied by tier.WarmTier.
type QueueStore interface {
	AppendQueue(ctx context.Context, peerID string, env *core.Envelope) error
	PeekQueue(ctx context.Context, peerID string, limit int) ([]tier.QueuedEnvelope, error)
	DeleteQueue(ctx context.Context, seqs []int64) error
	QueueDepth(ctx context.Context, peerID string) (int64, error)
	MarkApplied(ctx context.Context, envelopeID string) (bool, error)
	EventsSince(ctx context.Context, domain string, since time.Time, limit, offset int) ([]core.LearningEvent, error)
}

// Fabric is the replication core: it listens to local writes on the bus,
// fans envelopes out to accepting peers through durable queues, and applies
// inbound envelopes idempotently.
type Fabric struct {
	serviceID string
	registry  *Registry
	store     QueueStore
	memories  MemoryApplier
	ledger    LearningApplier
	events    *bus.Bus
	metrics   *metrics.Registry
	cfg       config.SyncConfig
	log       zerolog.Logger

	senders   map[string]*sender
	backfills sync.WaitGroup
}

// New wires the fabric and subscribes it to local write events. Senders are
// created per configured peer but not started until Start.
func New(serviceID string, store QueueStore, memories MemoryApplier, ledger LearningApplier, events *bus.Bus, reg *metrics.Registry, cfg config.SyncConfig, log zerolog.Logger) (*Fabric, error) {
	f := &Fabric{
		serviceID: serviceID,
		registry:  NewRegistry(cfg.Peers),
		store:     store,
		memories:  memories,
		ledger:    ledger,
		events:    events,
		metrics:   reg,
		cfg:       cfg,
		log:       log.With().Str("component", "syncer").Logger(),
		senders:   make(map[string]*sender, len(cfg.Peers)),
	}
	for _, pc := range cfg.Peers {
		f.senders[pc.ID] = newSender(f, pc.ID, pc.Endpoint)
	}

	if err := events.Subscribe(bus.TopicMemoryStored, "syncer", f.onMemoryStored); err != nil {
		return nil, err
	}
	if err := events.Subscribe(bus.TopicLearningRecorded, "syncer", f.onLearningRecorded); err != nil {
		return nil, err
	}
	return f, nil
}

// Start launches one sender per peer.
func (f *Fabric) Start() {
	for _, s := range f.senders {
		s.start()
	}
}

// Stop halts every sender and waits for in-flight backfill jobs.
// Undelivered envelopes stay in the durable queue for the next run.
func (f *Fabric) Stop() {
	for _, s := range f.senders {
		s.stop()
	}
	f.backfills.Wait()
}

// Peers returns the current peer snapshot for the status endpoint.
func (f *Fabric) Peers() []core.Peer {
	return f.registry.Snapshot()
}

func (f *Fabric) onMemoryStored(ctx context.Context, ev bus.Event) {
	entry, ok := ev.Payload.(*core.MemoryEntry)
	if !ok {
		return
	}
	action := core.ActionCreate
	if entry.Version > 1 {
		action = core.ActionUpdate
	}
	env, err := f.envelope(core.PayloadMemory, action, entry)
	if err != nil {
		f.log.Error().Err(err).Str("id", entry.ID).Msg("memory envelope build failed")
		return
	}
	f.Broadcast(ctx, env, entry.Domain)
}

func (f *Fabric) onLearningRecorded(ctx context.Context, ev bus.Event) {
	event, ok := ev.Payload.(*core.LearningEvent)
	if !ok {
		return
	}
	env, err := f.envelope(core.PayloadLearning, core.ActionCreate, event)
	if err != nil {
		f.log.Error().Err(err).Str("id", event.ID).Msg("learning envelope build failed")
		return
	}
	f.Broadcast(ctx, env, event.Domain)
}

func (f *Fabric) envelope(kind core.PayloadKind, action core.SyncAction, payload interface{}) (*core.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &core.Envelope{
		ID:        uuid.NewString(),
		Type:      kind,
		Action:    action,
		Source:    f.serviceID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Broadcast fans an envelope out to every peer accepting its kind for the
// given domain, and mirrors it on the process-wide broadcast topic.
func (f *Fabric) Broadcast(ctx context.Context, env *core.Envelope, domain string) {
	for _, peer := range f.registry.Snapshot() {
		if !peer.Accepts(domain, env.Type) {
			continue
		}
		s, ok := f.senders[peer.ID]
		if !ok {
			continue
		}
		s.enqueue(ctx, env)
	}
	if err := f.events.Publish(bus.TopicSyncBroadcast, env.ID, env); err != nil {
		f.log.Warn().Err(err).Str("id", env.ID).Msg("sync.broadcast publish failed")
	}
}

// SendTo queues an envelope for one specific peer.
func (f *Fabric) SendTo(ctx context.Context, peerID string, env *core.Envelope) bool {
	s, ok := f.senders[peerID]
	if !ok {
		return false
	}
	s.enqueue(ctx, env)
	return true
}

// RequestBackfill asks a peer for history since the given instant. Used at
// startup after a long disconnect.
func (f *Fabric) RequestBackfill(ctx context.Context, peerID string, since time.Time, domains []string) error {
	data, err := json.Marshal(core.SyncRequestData{Since: since, Domains: domains})
	if err != nil {
		return err
	}
	env := &core.Envelope{
		ID:        uuid.NewString(),
		Type:      core.PayloadLearning,
		Action:    core.ActionSyncRequest,
		Source:    f.serviceID,
		Target:    peerID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if !f.SendTo(ctx, peerID, env) {
		return core.ErrNotFound
	}
	return nil
}
