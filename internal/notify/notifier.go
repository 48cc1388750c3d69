// Package notify delivers operator alerts to Telegram and Discord. Alerts
// are filtered by event type and repeated alerts for the same position are
// suppressed for a window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event.
// A positive window suppresses an event repeated for the same position.
func NewNotifier(senders []Sender, events []string, window time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		window:  window,
		logger:  logger.With(slog.String("component", "notifier")),
		now:     time.Now,
		sent:    make(map[string]time.Time),
	}
}

// Notify delivers a if its event is allowed and it was not sent recently.
func (n *Notifier) Notify(ctx context.Context, a domain.Alert) error {
	if len(n.events) > 0 && !n.events[a.Event] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", a.Event))
		return nil
	}
	if n.suppressed(a) {
		n.logger.DebugContext(ctx, "notifier: duplicate alert suppressed",
			slog.String("event", a.Event),
			slog.String("position_id", a.PositionID),
		)
		return nil
	}
	return n.dispatch(ctx, a.Title, a.Message)
}

// NotifyAll sends regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) suppressed(a domain.Alert) bool {
	if n.window <= 0 {
		return false
	}
	key := a.Event + "|" + a.PositionID
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.sent[key]; ok && now.Sub(last) < n.window {
		return true
	}
	n.sent[key] = now
	for k, t := range n.sent {
		if now.Sub(t) >= n.window {
			delete(n.sent, k)
		}
	}
	return false
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
