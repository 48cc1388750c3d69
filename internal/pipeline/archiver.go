package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Archiver moves closed positions past retention to cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Cutoff is the close time before which positions are archived.
func (a *Archiver) Cutoff() time.Time {
	return a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// Run executes a single archive pass.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.Cutoff()
	a.logger.Info("archiver: run started",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)
	n, err := a.blobArchiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: positions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	a.logger.Info("archiver: run complete", slog.Int64("positions_archived", n))
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule in UTC until ctx
// ends. Example: "0 3 * * *" runs daily at 03:00 UTC. A run still in
// progress when the next one is due delays it.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("archiver: scheduler: %w", err)
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			a.logger.Warn("archiver: scheduler shutdown", slog.String("error", err.Error()))
		}
	}()

	job, err := sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archiver: run failed", slog.String("error", err.Error()))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", cronExpr, err)
	}
	sched.Start()

	next, _ := job.NextRun()
	a.logger.Info("archiver: cron started",
		slog.String("cron", cronExpr),
		slog.Time("next_run", next),
	)

	<-ctx.Done()
	return ctx.Err()
}
