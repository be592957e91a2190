package syncer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentfleet/memsync/internal/core"
)

// sender owns one peer: the durable FIFO queue, the websocket connection
// and the redial loop. A single goroutine drains the queue so per-peer
// ordering is preserved end to end.
type sender struct {
	f        *Fabric
	peerID   string
	endpoint string

	kick    chan struct{}
	limiter *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSender(f *Fabric, peerID, endpoint string) *sender {
	return &sender{
		f:        f,
		peerID:   peerID,
		endpoint: endpoint,
		kick:     make(chan struct{}, 1),
		// Pace batches so one peer cannot saturate the process.
		limiter: rate.NewLimiter(rate.Every(10*time.Millisecond), f.cfg.BatchSize),
	}
}

func (s *sender) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *sender) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// enqueue appends to the durable queue unless the peer's backlog is past
// the high-water mark, in which case the newest envelope is dropped with a
// warning. The writer never sees queue pressure.
func (s *sender) enqueue(ctx context.Context, env *core.Envelope) {
	depth, err := s.f.store.QueueDepth(ctx, s.peerID)
	if err != nil {
		s.f.log.Warn().Err(err).Str("peer", s.peerID).Msg("queue depth check failed")
	} else if depth >= int64(s.f.cfg.HighWaterMark) {
		s.f.metrics.EnvelopesDropped.WithLabelValues(s.peerID).Inc()
		s.f.log.Warn().
			Str("peer", s.peerID).
			Str("envelope", env.ID).
			Int64("depth", depth).
			Err(core.ErrQueueOverflow).
			Msg("queue past high-water mark, envelope dropped")
		return
	}

	if err := s.f.store.AppendQueue(ctx, s.peerID, env); err != nil {
		s.f.log.Error().Err(err).Str("peer", s.peerID).Str("envelope", env.ID).
			Msg("durable enqueue failed")
		return
	}
	s.f.metrics.QueueDepth.WithLabelValues(s.peerID).Set(float64(depth + 1))

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// run is the connection lifecycle: dial with exponential backoff, then
// drain until the transport fails, then redial.
func (s *sender) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.f.registry.SetState(s.peerID, core.PeerDisconnected)

	delay := s.f.cfg.RetryDelay
	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(core.PeerConnecting)
		c, remote, err := dialPeer(ctx, s.endpoint, s.f.serviceID)
		if err != nil {
			s.setState(core.PeerError)
			s.f.metrics.Reconnects.WithLabelValues(s.peerID).Inc()
			s.f.log.Warn().Err(err).Str("peer", s.peerID).Dur("retry_in", delay).
				Msg("peer dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.f.cfg.MaxRetryDelay {
				delay = s.f.cfg.MaxRetryDelay
			}
			continue
		}

		delay = s.f.cfg.RetryDelay
		s.setState(core.PeerConnected)
		s.f.registry.Touch(s.peerID)
		s.f.log.Info().Str("peer", s.peerID).Str("remote", remote.ServiceID).
			Msg("peer connected")

		s.serve(ctx, c)
		c.close()
		if ctx.Err() != nil {
			return
		}
		s.setState(core.PeerError)
	}
}

func (s *sender) setState(state core.PeerState) {
	s.f.registry.SetState(s.peerID, state)
	s.f.metrics.PeerState.WithLabelValues(s.peerID).Set(stateValue(state))
}

// serve drains the queue over an established connection and reads inbound
// frames until either direction fails.
func (s *sender) serve(ctx context.Context, c *conn) {
	readErr := make(chan error, 1)
	go s.readLoop(ctx, c, readErr)

	ticker := time.NewTicker(s.f.cfg.SyncInterval)
	defer ticker.Stop()
	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			s.f.log.Warn().Err(err).Str("peer", s.peerID).Msg("peer read failed")
			return
		case <-pings.C:
			if err := c.ping(); err != nil {
				s.f.log.Warn().Err(err).Str("peer", s.peerID).Msg("peer ping failed")
				return
			}
		case <-s.kick:
			if !s.drain(ctx, c) {
				return
			}
		case <-ticker.C:
			if !s.drain(ctx, c) {
				return
			}
		}
	}
}

// drain sends queued envelopes in FIFO batches. Rows are removed only after
// the whole batch is written; a transport failure leaves the unconfirmed
// batch at the head of the queue for redelivery.
func (s *sender) drain(ctx context.Context, c *conn) bool {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}

		batch, err := s.f.store.PeekQueue(ctx, s.peerID, s.f.cfg.BatchSize)
		if err != nil {
			s.f.log.Warn().Err(err).Str("peer", s.peerID).Msg("queue peek failed")
			return true
		}
		if len(batch) == 0 {
			s.f.metrics.QueueDepth.WithLabelValues(s.peerID).Set(0)
			return true
		}

		seqs := make([]int64, 0, len(batch))
		for i := range batch {
			if err := c.writeJSON(&batch[i].Envelope); err != nil {
				s.f.log.Warn().Err(err).Str("peer", s.peerID).
					Str("envelope", batch[i].Envelope.ID).
					Msg("envelope send failed, will redeliver")
				return false
			}
			seqs = append(seqs, batch[i].Seq)
		}

		if err := s.f.store.DeleteQueue(ctx, seqs); err != nil {
			s.f.log.Error().Err(err).Str("peer", s.peerID).
				Msg("queue confirm failed, duplicates possible")
			return true
		}
		s.f.metrics.EnvelopesSent.WithLabelValues(s.peerID).Add(float64(len(seqs)))

		if len(batch) < s.f.cfg.BatchSize {
			return true
		}
	}
}

// readLoop handles frames the peer pushes back on the dialed connection:
// acks, errors, sync requests and regular data envelopes.
func (s *sender) readLoop(ctx context.Context, c *conn, readErr chan<- error) {
	for {
		var env core.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		s.f.registry.Touch(s.peerID)
		s.f.dispatch(ctx, &env, func(reply *core.Envelope) {
			if err := c.writeJSON(reply); err != nil {
				s.f.log.Warn().Err(err).Str("peer", s.peerID).Msg("reply send failed")
			}
		})
	}
}
