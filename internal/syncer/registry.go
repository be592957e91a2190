// Package syncer implements the cross-service sync fabric: per-peer durable
// outbound queues drained over websocket, inbound envelope dispatch with
// idempotent apply, and history backfill.
package syncer

import (
	"sync"
	"time"

	"github.com/agentfleet/memsync/internal/config"
	"github.com/agentfleet/memsync/internal/core"
)

// Registry tracks the known peers and their connection state. Reads get a
// copy-on-write snapshot so the hot broadcast path never holds the lock
// while filtering.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*core.Peer
	snap  []core.Peer
}

// NewRegistry builds the registry from the configured peer table.
func NewRegistry(peers []config.PeerConfig) *Registry {
	r := &Registry{peers: make(map[string]*core.Peer, len(peers))}
	for _, pc := range peers {
		kinds := make([]core.PayloadKind, 0, len(pc.Kinds))
		for _, k := range pc.Kinds {
			kinds = append(kinds, core.PayloadKind(k))
		}
		r.peers[pc.ID] = &core.Peer{
			ID:            pc.ID,
			Endpoint:      pc.Endpoint,
			Domains:       pc.Domains,
			AcceptedKinds: kinds,
			State:         core.PeerDisconnected,
		}
	}
	r.rebuild()
	return r
}

// rebuild refreshes the read snapshot. Caller holds the lock.
func (r *Registry) rebuild() {
	snap := make([]core.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		snap = append(snap, *p)
	}
	r.snap = snap
}

// Snapshot returns the current peer set as values. Safe to range without
// further locking.
func (r *Registry) Snapshot() []core.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Get returns a copy of one peer.
func (r *Registry) Get(id string) (core.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return core.Peer{}, false
	}
	return *p, true
}

// SetState transitions a peer's connection state.
func (r *Registry) SetState(id string, state core.PeerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok && p.State != state {
		p.State = state
		r.rebuild()
	}
}

// Touch records activity from a peer.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastSeen = time.Now().UTC()
		r.rebuild()
	}
}

// stateValue maps a peer state onto the gauge encoding.
func stateValue(s core.PeerState) float64 {
	switch s {
	case core.PeerConnecting:
		return 1
	case core.PeerConnected:
		return 2
	case core.PeerError:
		return 3
	default:
		return 0
	}
}
