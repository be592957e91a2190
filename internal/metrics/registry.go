package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the memory core.
type Registry struct {
	reg *prometheus.Registry

	// Write / read path
	MemoryWrites   *prometheus.CounterVec   // result
	MemoryReads    *prometheus.CounterVec   // tier, result
	LearningWrites *prometheus.CounterVec   // result
	QueryDuration  *prometheus.HistogramVec // operation

	// Tier health
	TierErrors      *prometheus.CounterVec // tier
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	ArchivedEntries prometheus.Counter
	ExpiredEntries  prometheus.Counter

	// Sync fabric
	QueueDepth       *prometheus.GaugeVec   // peer
	EnvelopesSent    *prometheus.CounterVec // peer
	EnvelopesDropped *prometheus.CounterVec // peer
	InboundEnvelopes *prometheus.CounterVec // kind, result
	PeerState        *prometheus.GaugeVec   // peer (0=disconnected 1=connecting 2=connected 3=error)
	Reconnects       *prometheus.CounterVec // peer

	// Pipeline
	InsightsGenerated *prometheus.CounterVec // rule
}

// New creates a registry with every collector registered on a private
// Prometheus registry so tests can construct it repeatedly.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.MemoryWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_memory_writes_total",
		Help: "Memory entry writes by result",
	}, []string{"result"})

	r.MemoryReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_memory_reads_total",
		Help: "Memory entry reads by serving tier and result",
	}, []string{"tier", "result"})

	r.LearningWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_learning_writes_total",
		Help: "Learning event appends by result",
	}, []string{"result"})

	r.QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memsync_query_duration_seconds",
		Help:    "Duration of query operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"operation"})

	r.TierErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_tier_errors_total",
		Help: "Tier failures by tier name",
	}, []string{"tier"})

	r.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memsync_cache_hits_total",
		Help: "Hot tier hits",
	})

	r.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memsync_cache_misses_total",
		Help: "Hot tier misses",
	})

	r.ArchivedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memsync_archived_entries_total",
		Help: "Entries demoted to the cold tier",
	})

	r.ExpiredEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memsync_expired_entries_total",
		Help: "Entries hard-deleted by the expiry sweep",
	})

	r.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memsync_sync_queue_depth",
		Help: "Outbound queue depth per peer",
	}, []string{"peer"})

	r.EnvelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_sync_envelopes_sent_total",
		Help: "Envelopes delivered per peer",
	}, []string{"peer"})

	r.EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_sync_envelopes_dropped_total",
		Help: "Envelopes dropped at the high-water mark per peer",
	}, []string{"peer"})

	r.InboundEnvelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_sync_inbound_total",
		Help: "Inbound envelopes by payload kind and result",
	}, []string{"kind", "result"})

	r.PeerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memsync_peer_state",
		Help: "Peer connection state (0 disconnected, 1 connecting, 2 connected, 3 error)",
	}, []string{"peer"})

	r.Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_peer_reconnects_total",
		Help: "Peer redial attempts",
	}, []string{"peer"})

	r.InsightsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memsync_insights_generated_total",
		Help: "Insights fired per rule",
	}, []string{"rule"})

	r.reg.MustRegister(
		r.MemoryWrites, r.MemoryReads, r.LearningWrites, r.QueryDuration,
		r.TierErrors, r.CacheHits, r.CacheMisses, r.ArchivedEntries, r.ExpiredEntries,
		r.QueueDepth, r.EnvelopesSent, r.EnvelopesDropped, r.InboundEnvelopes,
		r.PeerState, r.Reconnects, r.InsightsGenerated,
	)

	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
