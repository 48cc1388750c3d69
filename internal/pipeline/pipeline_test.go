package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCron_InvalidExpression(t *testing.T) {
	a := NewArchiver(&fakeBlobArchiver{}, 30, discard())
	err := a.RunCron(context.Background(), "61 * * * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archiver: cron")
}

func TestRunCron_StopsWithContext(t *testing.T) {
	fb := &fakeBlobArchiver{}
	a := NewArchiver(fb, 30, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunCron(ctx, "0 3 * * *") }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cron did not stop")
	}
	assert.True(t, fb.before.IsZero(), "no run before the first trigger")
}

type fakeBlobArchiver struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeBlobArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiverRun_UsesRetentionCutoff(t *testing.T) {
	fb := &fakeBlobArchiver{n: 12}
	a := NewArchiver(fb, 30, discard())
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, now.AddDate(0, 0, -30), fb.before)

	fb.err = errors.New("s3 down")
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 down")
}

type countingSweeper struct{ calls chan struct{} }

func (s *countingSweeper) SweepLiquidations(context.Context) (int, error) {
	s.calls <- struct{}{}
	return 1, nil
}

func TestOrchestrator_SweepsUntilCanceled(t *testing.T) {
	sw := &countingSweeper{calls: make(chan struct{}, 8)}
	o := NewOrchestrator(nil, sw, "", 5*time.Millisecond, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	<-sw.calls
	<-sw.calls
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestOrchestrator_Trigger(t *testing.T) {
	sw := &countingSweeper{calls: make(chan struct{}, 8)}
	o := NewOrchestrator(nil, sw, "", 0, discard())

	assert.False(t, o.Trigger(JobArchive), "archiver disabled")
	assert.False(t, o.Trigger("reindex"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.True(t, o.Trigger(JobSweep))
	select {
	case <-sw.calls:
	case <-time.After(time.Second):
		t.Fatal("triggered sweep did not run")
	}
	cancel()
	require.NoError(t, <-done)
}

type signalingArchiver struct{ runs chan time.Time }

func (s *signalingArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	s.runs <- before
	return 0, nil
}

func TestOrchestrator_TriggerArchive(t *testing.T) {
	sa := &signalingArchiver{runs: make(chan time.Time, 1)}
	a := NewArchiver(sa, 1, discard())
	o := NewOrchestrator(a, nil, "0 3 * * *", 0, discard())
	assert.False(t, o.Trigger(JobSweep), "sweeper disabled")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.True(t, o.Trigger(JobArchive))
	select {
	case <-sa.runs:
	case <-time.After(time.Second):
		t.Fatal("triggered archive did not run")
	}
	cancel()
	require.NoError(t, <-done)
}
