package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/core"
)

const backfillBatch = 50

// ServeWS accepts an inbound peer connection: identify handshake, then a
// dispatch loop until the peer disconnects.
func (f *Fabric) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, remote, err := acceptPeer(w, r, f.serviceID)
	if err != nil {
		f.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("inbound peer rejected")
		return
	}
	defer c.close()

	f.log.Info().Str("peer", remote.ServiceID).Msg("inbound peer connected")
	f.registry.Touch(remote.ServiceID)

	ctx := r.Context()
	for {
		var env core.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			f.log.Info().Err(err).Str("peer", remote.ServiceID).Msg("inbound peer disconnected")
			return
		}
		f.registry.Touch(remote.ServiceID)
		f.dispatch(ctx, &env, func(reply *core.Envelope) {
			if err := c.writeJSON(reply); err != nil {
				f.log.Warn().Err(err).Str("peer", remote.ServiceID).Msg("reply send failed")
			}
		})
	}
}

// dispatch routes one inbound envelope. Replies (acks, errors, backfill
// data for unregistered peers) go through the supplied reply callback,
// which writes to the connection the envelope arrived on.
func (f *Fabric) dispatch(ctx context.Context, env *core.Envelope, reply func(*core.Envelope)) {
	if err := env.Validate(); err != nil {
		f.metrics.InboundEnvelopes.WithLabelValues(string(env.Type), "invalid").Inc()
		reply(f.errorEnvelope(env, err.Error()))
		return
	}

	// Own-source frames are loops through a peer; drop them silently.
	if env.Source == f.serviceID {
		f.metrics.InboundEnvelopes.WithLabelValues(string(env.Type), "loop").Inc()
		return
	}

	switch env.Action {
	case core.ActionAck:
		// last_seen already touched by the read loop.
		return
	case core.ActionError:
		var data core.ErrorData
		_ = json.Unmarshal(env.Data, &data)
		f.log.Warn().Str("source", env.Source).Str("reason", data.Reason).
			Str("ref", data.RefID).Msg("peer reported error")
		return
	}

	applied, err := f.store.MarkApplied(ctx, env.ID)
	if err != nil {
		f.metrics.InboundEnvelopes.WithLabelValues(string(env.Type), "error").Inc()
		reply(f.errorEnvelope(env, "idempotency check failed"))
		return
	}
	if !applied {
		// Redelivered envelope; already applied, acknowledge again.
		f.metrics.InboundEnvelopes.WithLabelValues(string(env.Type), "duplicate").Inc()
		reply(f.ackEnvelope(env))
		return
	}

	if env.Action == core.ActionSyncRequest {
		// Backfills can page a long history; serve them off the read loop
		// so inbound frames keep flowing in the meantime. The reply path is
		// safe for concurrent writers.
		f.backfills.Add(1)
		go func() {
			defer f.backfills.Done()
			f.handleSyncRequest(ctx, env, reply)
		}()
		return
	}

	if err := f.apply(ctx, env); err != nil {
		f.metrics.InboundEnvelopes.WithLabelValues(string(env.Type), "error").Inc()
		f.log.Warn().Err(err).Str("envelope", env.ID).Str("source", env.Source).
			Msg("inbound apply failed")
		reply(f.errorEnvelope(env, err.Error()))
		return
	}
	f.metrics.InboundEnvelopes.WithLabelValues(string(env.Type), "applied").Inc()
	reply(f.ackEnvelope(env))
}

// apply materializes the envelope payload into the local stores.
func (f *Fabric) apply(ctx context.Context, env *core.Envelope) error {
	switch env.Type {
	case core.PayloadMemory:
		var entry core.MemoryEntry
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			return err
		}
		_, err := f.memories.ApplySync(ctx, &entry)
		return err

	case core.PayloadLearning:
		var event core.LearningEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			return err
		}
		_, err := f.ledger.ApplySync(ctx, &event)
		return err

	case core.PayloadModel:
		return f.events.Publish(bus.TopicInboundModel, env.ID, env)

	case core.PayloadConfiguration:
		return f.events.Publish(bus.TopicInboundConfig, env.ID, env)
	}
	return core.ErrInvalidInput
}

// handleSyncRequest runs the backfill job: page local history since the
// requested instant and stream it back in bounded batches. Delivery goes
// through the requester's durable queue when it is a registered peer, else
// directly over the arriving connection.
func (f *Fabric) handleSyncRequest(ctx context.Context, env *core.Envelope, reply func(*core.Envelope)) {
	var req core.SyncRequestData
	if err := json.Unmarshal(env.Data, &req); err != nil {
		reply(f.errorEnvelope(env, "malformed sync request"))
		return
	}

	send := func(out *core.Envelope) {
		if !f.SendTo(ctx, env.Source, out) {
			reply(out)
		}
	}

	domains := req.Domains
	if len(domains) == 0 {
		domains = []string{""}
	}

	total := 0
	for _, domain := range domains {
		for offset := 0; ; offset += backfillBatch {
			events, err := f.store.EventsSince(ctx, domain, req.Since, backfillBatch, offset)
			if err != nil {
				f.log.Error().Err(err).Str("peer", env.Source).Msg("backfill paging failed")
				reply(f.errorEnvelope(env, "backfill failed"))
				return
			}
			for i := range events {
				out, err := f.envelope(core.PayloadLearning, core.ActionCreate, &events[i])
				if err != nil {
					continue
				}
				out.Target = env.Source
				out.CorrelationID = env.ID
				send(out)
				total++
			}
			if len(events) < backfillBatch {
				break
			}
		}
	}

	f.log.Info().Str("peer", env.Source).Int("events", total).
		Time("since", req.Since).Msg("backfill served")
	reply(f.ackEnvelope(env))
}

func (f *Fabric) ackEnvelope(in *core.Envelope) *core.Envelope {
	return &core.Envelope{
		ID:            uuid.NewString(),
		Type:          in.Type,
		Action:        core.ActionAck,
		Source:        f.serviceID,
		Target:        in.Source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: in.ID,
	}
}

func (f *Fabric) errorEnvelope(in *core.Envelope, reason string) *core.Envelope {
	data, _ := json.Marshal(core.ErrorData{Reason: reason, RefID: in.ID})
	kind := in.Type
	if kind == "" {
		kind = core.PayloadConfiguration
	}
	return &core.Envelope{
		ID:            uuid.NewString(),
		Type:          kind,
		Action:        core.ActionError,
		Source:        f.serviceID,
		Target:        in.Source,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		CorrelationID: in.ID,
	}
}
