package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionengine/internal/pipeline"
	"github.com/alanyoungcy/positionengine/internal/server"
	"github.com/alanyoungcy/positionengine/internal/server/handler"
	"github.com/alanyoungcy/positionengine/internal/server/ws"
	"github.com/alanyoungcy/positionengine/internal/worker"
)

// WorkerMode consumes drafts and order events.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startWorker(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, nil)

	return g.Wait()
}

// MaintenanceMode archives closed positions and sweeps for liquidations.
func (a *App) MaintenanceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting maintenance mode")
	g, ctx := errgroup.WithContext(ctx)

	orch := a.startMaintenance(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, orch)

	return g.Wait()
}

// FullMode runs the worker and the maintenance loops in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	a.startWorker(ctx, g, deps)
	orch := a.startMaintenance(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, orch)

	return g.Wait()
}

func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	wc := a.cfg.Worker
	w := worker.New(deps.Bus, deps.Service, worker.Config{
		Consumer:         wc.ProcessName + "@" + deps.Host,
		Group:            wc.Group,
		DraftStream:      wc.DraftStream,
		OrderEventStream: wc.OrderEventStream,
		BatchSize:        wc.BatchSize,
		BlockFor:         wc.BlockFor.Duration,
		DedupTTL:         wc.DedupTTL.Duration,
		DedupCapacity:    wc.DedupCapacity,
	}, a.logger)

	g.Go(func() error {
		return w.Run(ctx)
	})
}

func (a *App) startMaintenance(ctx context.Context, g *errgroup.Group, deps *Dependencies) *pipeline.Orchestrator {
	orch := pipeline.NewOrchestrator(
		deps.Archiver,
		deps.Service,
		a.cfg.Archive.Cron,
		a.cfg.Archive.SweepInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return orch
}

// startHTTPServer adds the operator API and the position event hub to g
// when the server is enabled. The server is shut down gracefully when ctx
// is cancelled. orch is nil when no maintenance loop runs in this process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, orch *pipeline.Orchestrator) {
	if !a.cfg.Server.Enabled {
		return
	}

	probes := map[string]handler.Probe{
		"redis":    deps.Redis.Ping,
		"postgres": deps.Postgres.Ping,
	}
	if deps.S3 != nil {
		probes["s3"] = deps.S3.Health
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(probes, a.logger),
		Status: &handler.StatusHandler{
			Mode:      a.cfg.Mode,
			Process:   a.cfg.Worker.ProcessName,
			Host:      deps.Host,
			StartedAt: time.Now().UTC(),
		},
		Positions: handler.NewPositionHandler(deps.Service, deps.Positions, deps.Audit, a.logger),
	}
	if orch != nil {
		handlers.Maintenance = handler.NewMaintenanceHandler(orch, a.logger)
	}

	hub := ws.NewHub(deps.Bus, a.cfg.Worker.EventChannel, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Info("app: http server shutting down", slog.Int("port", a.cfg.Server.Port))
		return srv.Shutdown(shutCtx)
	})
}
