package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// LiquidationSweeper checks every open derivatives position for a
// liquidation the order stream missed.
type LiquidationSweeper interface {
	SweepLiquidations(ctx context.Context) (checked int, err error)
}

// Orchestrator runs the maintenance loops: cold-storage archival on a cron
// schedule and a periodic liquidation sweep.
type Orchestrator struct {
	archiver      *Archiver
	sweeper       LiquidationSweeper
	archiveCron   string
	sweepInterval time.Duration
	logger        *slog.Logger

	archiveNow chan struct{}
	sweepNow   chan struct{}
}

// Jobs that can be triggered on demand.
const (
	JobArchive = "archive"
	JobSweep   = "sweep"
)

// NewOrchestrator creates an Orchestrator. A nil sweeper or a non-positive
// interval disables the sweep.
func NewOrchestrator(
	archiver *Archiver,
	sweeper LiquidationSweeper,
	archiveCron string,
	sweepInterval time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		archiver:      archiver,
		sweeper:       sweeper,
		archiveCron:   archiveCron,
		sweepInterval: sweepInterval,
		logger:        logger.With(slog.String("component", "maintenance")),
		archiveNow:    make(chan struct{}, 1),
		sweepNow:      make(chan struct{}, 1),
	}
}

// Trigger requests one immediate run of job. It reports false for an
// unknown or disabled job; a request already pending is coalesced.
func (o *Orchestrator) Trigger(job string) bool {
	var ch chan struct{}
	switch {
	case job == JobArchive && o.archiver != nil:
		ch = o.archiveNow
	case job == JobSweep && o.sweeper != nil:
		ch = o.sweepNow
	default:
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Run blocks until ctx ends or a loop fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("maintenance: starting",
		slog.String("archive_cron", o.archiveCron),
		slog.Duration("sweep_interval", o.sweepInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if o.sweeper != nil && o.sweepInterval > 0 {
		g.Go(func() error {
			o.runSweep(ctx)
			return nil
		})
	}

	g.Go(func() error {
		o.runTriggers(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		o.logger.Error("maintenance: stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("maintenance: stopped")
	return nil
}

func (o *Orchestrator) runSweep(ctx context.Context) {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) runTriggers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.archiveNow:
			o.logger.Info("maintenance: archive triggered")
			if err := o.archiver.Run(ctx); err != nil {
				o.logger.Error("maintenance: triggered archive failed", slog.String("error", err.Error()))
			}
		case <-o.sweepNow:
			o.logger.Info("maintenance: liquidation sweep triggered")
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	start := time.Now()
	n, err := o.sweeper.SweepLiquidations(ctx)
	if err != nil {
		o.logger.Error("maintenance: liquidation sweep failed",
			slog.Int("checked", n),
			slog.String("error", err.Error()),
		)
		return
	}
	o.logger.Info("maintenance: liquidation sweep done",
		slog.Int("checked", n),
		slog.Duration("took", time.Since(start)),
	)
}
