// Package app wires configuration, tiers, cores and the HTTP edge into one
// runnable service with an explicit start/stop lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentfleet/memsync/internal/api"
	"github.com/agentfleet/memsync/internal/bus"
	"github.com/agentfleet/memsync/internal/config"
	"github.com/agentfleet/memsync/internal/insight"
	"github.com/agentfleet/memsync/internal/learning"
	"github.com/agentfleet/memsync/internal/memory"
	"github.com/agentfleet/memsync/internal/metrics"
	"github.com/agentfleet/memsync/internal/syncer"
	"github.com/agentfleet/memsync/internal/tier"
)

// App owns every long-running component of the service.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	warm     *tier.PostgresWarm
	hot      *tier.RedisHot
	store    *tier.Store
	sweeper  *tier.Sweeper
	events   *bus.Bus
	memories *memory.Engine
	ledger   *learning.Ledger
	patterns *learning.PatternSweeper
	pipeline *insight.Pipeline
	fabric   *syncer.Fabric
	server   *api.Server

	serverErr chan error
}

// New assembles the service. The warm tier must be reachable; an unreachable
// database is a startup failure, not a degraded mode.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, serverErr: make(chan error, 1)}

	warm, err := tier.NewPostgresWarm(cfg.Warm.DSN, cfg.Warm.MaxOpenConns, cfg.Warm.MaxIdleConns, cfg.Warm.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("warm tier init failed: %w", err)
	}
	a.warm = warm
	if err := warm.Ping(ctx); err != nil {
		warm.Close()
		return nil, fmt.Errorf("warm tier unreachable: %w", err)
	}

	a.hot = tier.NewRedisHot(cfg.Hot.Addr, cfg.Hot.Password, cfg.Hot.DB, cfg.Hot.DefaultTTL)

	var cold tier.ColdTier
	if cfg.Cold.Bucket != "" {
		c, err := tier.NewS3Cold(ctx, cfg.Cold.Bucket, cfg.Cold.Region, cfg.Cold.Endpoint, cfg.Cold.Prefix)
		if err != nil {
			a.closeTiers()
			return nil, fmt.Errorf("cold tier init failed: %w", err)
		}
		cold = c
	} else {
		log.Warn().Msg("no cold bucket configured, archive sweep disabled")
	}

	reg := metrics.New()
	a.store = tier.NewStore(a.hot, warm, cold, reg, log)
	a.sweeper = tier.NewSweeper(a.store, cfg.ArchiveThreshold(),
		cfg.Lifecycle.SweepInterval, cfg.Lifecycle.SweepInterval, log)

	a.events = bus.New()
	a.memories = memory.New(a.store, a.events, log)
	a.ledger = learning.New(a.store.Warm(), a.store.Hot(), a.events, reg, log)
	a.patterns = learning.NewPatternSweeper(a.ledger, cfg.Lifecycle.PatternSweepInterval)

	a.pipeline, err = insight.New(a.store.Warm(), a.events, reg,
		cfg.Lifecycle.RollupInterval, cfg.Lifecycle.InsightInterval, log)
	if err != nil {
		a.closeTiers()
		return nil, fmt.Errorf("insight pipeline init failed: %w", err)
	}

	a.fabric, err = syncer.New(cfg.ServiceID, a.store.Warm(), a.memories, a.ledger,
		a.events, reg, cfg.Sync, log)
	if err != nil {
		a.closeTiers()
		return nil, fmt.Errorf("sync fabric init failed: %w", err)
	}

	a.server = api.NewServer(cfg.Server, cfg.ServiceID, cfg.Auth,
		a.memories, a.ledger, a.pipeline, a.sweeper, a.store, a.fabric, reg, log)
	return a, nil
}

// Start launches the background loops and the HTTP listener.
func (a *App) Start() {
	a.sweeper.Start()
	a.patterns.Start()
	a.pipeline.Start()
	a.fabric.Start()

	go func() {
		a.serverErr <- a.server.ListenAndServe()
	}()
	a.log.Info().Str("service_id", a.cfg.ServiceID).Msg("service started")
}

// SweepOnce runs a single archive and expiry pass without starting the
// background loops. Used by the sweep subcommand.
func (a *App) SweepOnce(ctx context.Context) (archived, expired int, err error) {
	if archived, err = a.sweeper.SweepArchive(ctx); err != nil {
		return archived, 0, err
	}
	expired, err = a.sweeper.SweepExpired(ctx)
	return archived, expired, err
}

// Wait blocks until the context is cancelled or the HTTP listener fails.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.serverErr:
		return err
	}
}

// Stop shuts down in reverse dependency order. The edge drains first so no
// new writes arrive while the cores flush.
func (a *App) Stop() {
	grace := a.cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = graceDefault
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	a.fabric.Stop()
	a.pipeline.Stop()
	a.patterns.Stop()
	a.sweeper.Stop()
	a.memories.Close()
	a.events.Close()
	a.closeTiers()
	a.log.Info().Msg("service stopped")
}

func (a *App) closeTiers() {
	if a.hot != nil {
		if err := a.hot.Close(); err != nil {
			a.log.Warn().Err(err).Msg("hot tier close failed")
		}
	}
	if a.warm != nil {
		if err := a.warm.Close(); err != nil {
			a.log.Warn().Err(err).Msg("warm tier close failed")
		}
	}
}

// graceDefault bounds Stop when the configured shutdown window is zero.
const graceDefault = 15 * time.Second
