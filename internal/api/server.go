// Package api is the HTTP edge: request validation, principal resolution
// and dispatch into the memory, learning and analytics cores.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/config"
	"github.com/agentfleet/memsync/internal/core"
	"github.com/agentfleet/memsync/internal/metrics"
)

// MemoryService is the memory engine surface the edge dispatches into.
// Satisfied by *memory.Engine.
type MemoryService interface {
	Store(ctx context.Context, entry *core.MemoryEntry) (*core.MemoryEntry, error)
	Get(ctx context.Context, id string) (*core.MemoryEntry, error)
	Query(ctx context.Context, f core.MemoryFilter) ([]core.MemoryEntry, error)
	SearchSimilarity(ctx context.Context, vector []float32, domain string, k int, threshold float64) ([]core.SimilarityMatch, error)
	Relate(ctx context.Context, sourceID, targetID string, kind core.RelationshipKind) error
	Related(ctx context.Context, id string, kind core.RelationshipKind, maxDepth int) ([]core.MemoryEntry, error)
	Aggregate(ctx context.Context, serviceID, domain string, from, to time.Time) (*core.MemoryAggregation, error)
}

// LearningService is the ledger surface. Satisfied by *learning.Ledger.
type LearningService interface {
	Record(ctx context.Context, ev *core.LearningEvent) (*core.LearningEvent, error)
	History(ctx context.Context, f core.EventFilter) ([]core.LearningEvent, error)
	Patterns(ctx context.Context, domain string, minFrequency int64) ([]core.LearningPattern, error)
	Metrics(ctx context.Context, domain string, from, to time.Time) (*core.LearningMetrics, error)
	Trends(ctx context.Context, domain string, from, to time.Time, buckets, periods int) (*core.TrendReport, error)
}

// InsightService is the pipeline surface. Satisfied by *insight.Pipeline.
type InsightService interface {
	Recent(ctx context.Context, domain string, limit int) ([]core.Insight, error)
	Snapshot(domain string) (ratePerSec, emaLatencyMS float64)
	Domains(ctx context.Context) ([]string, error)
}

// ArchiveService triggers the archive sweep on demand. Satisfied by
// *tier.Sweeper.
type ArchiveService interface {
	SweepArchive(ctx context.Context) (int, error)
}

// HealthService reports per-tier health. Satisfied by *tier.Store.
type HealthService interface {
	Healthy(ctx context.Context) map[string]error
}

// PeerService exposes the sync fabric's peer table. Satisfied by
// *syncer.Fabric; nil when the fabric is disabled.
type PeerService interface {
	Peers() []core.Peer
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP edge adapter.
type Server struct {
	cfg       config.ServerConfig
	serviceID string
	log       zerolog.Logger

	memories  MemoryService
	ledger    LearningService
	insights  InsightService
	archiver  ArchiveService
	health    HealthService
	peers     PeerService
	collector *metrics.Registry

	http *http.Server
}

// NewServer wires the router. peers may be nil for standalone deployments.
func NewServer(cfg config.ServerConfig, serviceID string, auth config.AuthConfig,
	memories MemoryService, ledger LearningService, insights InsightService,
	archiver ArchiveService, health HealthService, peers PeerService,
	collector *metrics.Registry, log zerolog.Logger) *Server {

	s := &Server{
		cfg:       cfg,
		serviceID: serviceID,
		log:       log.With().Str("component", "api").Logger(),
		memories:  memories,
		ledger:    ledger,
		insights:  insights,
		archiver:  archiver,
		health:    health,
		peers:     peers,
		collector: collector,
	}

	r := mux.NewRouter()

	// Unauthenticated surfaces.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	if peers != nil {
		r.HandleFunc("/sync/ws", peers.ServeWS)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(mux.MiddlewareFunc(authMiddleware(auth)))

	authed.HandleFunc("/memory", s.handleStore).Methods(http.MethodPost)
	authed.HandleFunc("/memory/query", s.handleQuery).Methods(http.MethodPost)
	authed.HandleFunc("/memory/search/similarity", s.handleSimilarity).Methods(http.MethodPost)
	authed.HandleFunc("/memory/aggregations", s.handleAggregate).Methods(http.MethodGet)
	authed.HandleFunc("/memory/relationships", s.handleRelate).Methods(http.MethodPost)
	authed.HandleFunc("/memory/archive", requireRole("admin")(s.handleArchive)).Methods(http.MethodPost)
	authed.HandleFunc("/memory/{id}/related", s.handleRelated).Methods(http.MethodGet)
	authed.HandleFunc("/memory/{id}", s.handleGet).Methods(http.MethodGet)

	authed.HandleFunc("/learning/events", s.handleRecord).Methods(http.MethodPost)
	authed.HandleFunc("/learning/events/query", s.handleHistory).Methods(http.MethodPost)
	authed.HandleFunc("/learning/patterns", s.handlePatterns).Methods(http.MethodGet)
	authed.HandleFunc("/learning/metrics", s.handleMetrics).Methods(http.MethodGet)
	authed.HandleFunc("/learning/trends", s.handleTrends).Methods(http.MethodGet)

	authed.HandleFunc("/analytics/query", s.handleAnalyticsQuery).Methods(http.MethodPost)
	authed.HandleFunc("/analytics/metrics/{domain}", s.handleAnalyticsMetrics).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/dashboard", s.handleDashboard).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/reports/{kind}/{domain}", s.handleReport).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/events", s.handleTrackEvent).Methods(http.MethodPost)
	authed.HandleFunc("/analytics/insights", s.handleInsights).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/export", requireRole("admin", "analyst")(s.handleExport)).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = corsMiddleware(handler)
	handler = timeoutMiddleware(cfg.RequestTimeout)(handler)
	handler = loggingMiddleware(s.log)(handler)
	handler = requestIDMiddleware(handler)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routing stack, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops. A busy port surfaces as an
// error so main can exit non-zero.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http edge listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the grace window.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth reports liveness plus per-component status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string)
	status := http.StatusOK
	for name, err := range s.health.Healthy(r.Context()) {
		if err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			components[name] = "ok"
		}
	}

	var peerStates []core.Peer
	if s.peers != nil {
		peerStates = s.peers.Peers()
	}
	writeJSON(w, status, map[string]interface{}{
		"service":    s.serviceID,
		"status":     http.StatusText(status),
		"components": components,
		"peers":      peerStates,
		"timestamp":  time.Now().UTC(),
	})
}
