// Package worker consumes position drafts and exchange order events from
// Redis streams and feeds them to the position service.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/service"
)

// PositionHandler applies stream messages to positions. It is implemented by
// the service layer.
type PositionHandler interface {
	Open(ctx context.Context, draft *domain.Draft) (*domain.Position, error)
	HandleOrderEvent(ctx context.Context, evt domain.OrderEvent) error
}

// Bus is the stream transport: group reads with explicit ack, plus append
// for requeueing.
type Bus interface {
	domain.StreamConsumer
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Config tunes the consumer loops.
type Config struct {
	Consumer         string
	Group            string
	DraftStream      string
	OrderEventStream string
	BatchSize        int
	BlockFor         time.Duration
	// RetryDelay pauses a loop after it requeued messages.
	RetryDelay      time.Duration
	DedupTTL        time.Duration
	DedupCapacity   int
	CleanupInterval time.Duration
}

// disposition is what happens to a message after handling.
type disposition int

const (
	dispAck disposition = iota
	dispRequeue
)

// Worker runs one consumer loop per stream.
type Worker struct {
	bus     Bus
	handler PositionHandler
	cfg     Config
	dedup   *Dedup
	logger  *slog.Logger
}

// New creates a Worker.
func New(bus Bus, handler PositionHandler, cfg Config, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Group == "" {
		cfg.Group = cfg.Consumer
	}
	return &Worker{
		bus:     bus,
		handler: handler,
		cfg:     cfg,
		dedup:   NewDedup(cfg.DedupTTL, cfg.DedupCapacity, nil),
		logger:  logger.With(slog.String("component", "worker")),
	}
}

// Run consumes both streams until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker: started",
		slog.String("consumer", w.cfg.Consumer),
		slog.String("group", w.cfg.Group),
	)
	defer w.logger.Info("worker: stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.consume(ctx, w.cfg.DraftStream, w.handleDraft) })
	g.Go(func() error { return w.consume(ctx, w.cfg.OrderEventStream, w.handleOrderEvent) })
	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				w.dedup.Cleanup()
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) consume(ctx context.Context, stream string, handle func(context.Context, []byte) (string, disposition)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := w.bus.StreamReadGroup(ctx, stream, w.cfg.Group, w.cfg.Consumer, w.cfg.BatchSize, w.cfg.BlockFor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.ErrorContext(ctx, "worker: stream read failed",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
			if !w.pause(ctx) {
				return nil
			}
			continue
		}

		requeued := 0
		for _, msg := range msgs {
			key, disp := handle(ctx, msg.Payload)
			if disp == dispRequeue {
				if err := w.bus.StreamAppend(ctx, stream, msg.Payload); err != nil {
					// Left pending; the ack is skipped so the message is not lost.
					w.logger.ErrorContext(ctx, "worker: requeue failed",
						slog.String("stream", stream),
						slog.String("message_id", msg.ID),
						slog.String("error", err.Error()),
					)
					continue
				}
				requeued++
			} else {
				w.dedup.Remember(key)
			}
			if err := w.bus.StreamAck(ctx, stream, w.cfg.Group, msg.ID); err != nil {
				w.logger.WarnContext(ctx, "worker: ack failed",
					slog.String("stream", stream),
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if requeued > 0 && !w.pause(ctx) {
			return nil
		}
	}
}

// pause waits RetryDelay and reports false if ctx ended first.
func (w *Worker) pause(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) handleDraft(ctx context.Context, payload []byte) (string, disposition) {
	var draft domain.Draft
	if err := json.Unmarshal(payload, &draft); err != nil || draft.Position == nil {
		w.logger.ErrorContext(ctx, "worker: dropping malformed draft", slog.Any("error", err))
		return "", dispAck
	}
	key := ""
	if draft.Position.ID != "" {
		key = "draft:" + draft.Position.ID
	}
	if w.dedup.Seen(key) {
		w.logger.DebugContext(ctx, "worker: duplicate draft skipped", slog.String("position_id", draft.Position.ID))
		return key, dispAck
	}

	pos, err := w.handler.Open(ctx, &draft)
	switch {
	case err == nil:
		return key, dispAck
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrLockHeld):
		// Already persisted, or being opened by another consumer.
		w.logger.InfoContext(ctx, "worker: draft already handled",
			slog.String("position_id", draft.Position.ID),
			slog.String("reason", err.Error()),
		)
		return key, dispAck
	case transient(err):
		w.logger.WarnContext(ctx, "worker: draft requeued",
			slog.String("position_id", draft.Position.ID),
			slog.String("error", err.Error()),
		)
		return key, dispRequeue
	default:
		id := draft.Position.ID
		if pos != nil {
			id = pos.ID
		}
		w.logger.ErrorContext(ctx, "worker: draft failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		return key, dispAck
	}
}

func (w *Worker) handleOrderEvent(ctx context.Context, payload []byte) (string, disposition) {
	var evt domain.OrderEvent
	if err := json.Unmarshal(payload, &evt); err != nil || evt.PositionID == "" {
		w.logger.ErrorContext(ctx, "worker: dropping malformed order event", slog.Any("error", err))
		return "", dispAck
	}
	key := ""
	if evt.ID != "" {
		key = "event:" + evt.ID
	}
	if w.dedup.Seen(key) {
		w.logger.DebugContext(ctx, "worker: duplicate order event skipped", slog.String("event_id", evt.ID))
		return key, dispAck
	}

	err := w.handler.HandleOrderEvent(ctx, evt)
	switch {
	case err == nil:
		return key, dispAck
	case errors.Is(err, domain.ErrNotFound):
		w.logger.WarnContext(ctx, "worker: order event for unknown position",
			slog.String("event_id", evt.ID),
			slog.String("position_id", evt.PositionID),
		)
		return key, dispAck
	case transient(err), errors.Is(err, domain.ErrLockHeld):
		w.logger.InfoContext(ctx, "worker: order event requeued",
			slog.String("event_id", evt.ID),
			slog.String("position_id", evt.PositionID),
			slog.String("reason", err.Error()),
		)
		return key, dispRequeue
	default:
		w.logger.ErrorContext(ctx, "worker: order event failed",
			slog.String("event_id", evt.ID),
			slog.String("position_id", evt.PositionID),
			slog.String("kind", string(evt.Kind)),
			slog.String("error", err.Error()),
		)
		return key, dispAck
	}
}

// transient reports errors worth delivering the message again for.
func transient(err error) bool {
	return errors.Is(err, service.ErrRetryLater) ||
		errors.Is(err, domain.ErrLockTimeout) ||
		errors.Is(err, domain.ErrLockLost) ||
		errors.Is(err, domain.ErrStoreUnavailable)
}

// String names a disposition for logs and tests.
func (d disposition) String() string {
	switch d {
	case dispAck:
		return "ack"
	case dispRequeue:
		return "requeue"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}
