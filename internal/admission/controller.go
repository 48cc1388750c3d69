// Package admission decides whether a composed position draft may send its
// entry order. Rules run in a fixed order and the first failure wins.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/retry"
)

// Config holds the global admission settings.
type Config struct {
	GlobalBlacklist      []string
	GlobalWhitelist      []string
	GlobalMaxConcurrent  int
	CountRetryAttempts   int
	CountRetryBackoffMin time.Duration
	CountRetryBackoffMax time.Duration
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Status  domain.Status
	Rule    string
}

// Rule is one ordered admission predicate. Check returns false to reject
// with Status; an error aborts the evaluation.
type Rule struct {
	Name   string
	Status domain.Status
	Check  func(ctx context.Context, ev *evaluation) (bool, error)
}

// Controller runs the rule pipeline.
type Controller struct {
	positions domain.PositionStore
	exchange  domain.ExchangeCalls
	markets   domain.MarketCatalog
	handlers  domain.HandlerSource
	cfg       Config
	logger    *slog.Logger

	countPolicy retry.Policy
	now         func() time.Time
	rules       []Rule
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock and the wait between count re-checks.
func WithClock(now func() time.Time, sleep retry.SleepFunc) Option {
	return func(c *Controller) {
		c.now = now
		c.countPolicy.Sleep = sleep
		c.countPolicy.Now = now
	}
}

// NewController creates a Controller with the standard rule order.
func NewController(
	positions domain.PositionStore,
	exchange domain.ExchangeCalls,
	markets domain.MarketCatalog,
	handlers domain.HandlerSource,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Controller {
	if cfg.CountRetryAttempts <= 0 {
		cfg.CountRetryAttempts = 3
	}
	if cfg.CountRetryBackoffMin <= 0 {
		cfg.CountRetryBackoffMin = time.Second
	}
	if cfg.CountRetryBackoffMax < cfg.CountRetryBackoffMin {
		cfg.CountRetryBackoffMax = 10 * time.Second
	}
	c := &Controller{
		positions: positions,
		exchange:  exchange,
		markets:   markets,
		handlers:  handlers,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "admission")),
		countPolicy: retry.Policy{
			MaxAttempts: cfg.CountRetryAttempts,
			Backoff:     retry.RandomBetween(cfg.CountRetryBackoffMin, cfg.CountRetryBackoffMax),
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.rules = c.standardRules()
	return c
}

// Rules returns the pipeline in evaluation order.
func (c *Controller) Rules() []Rule {
	return c.rules
}

// Evaluate runs every rule in order against draft. On the first failure the
// draft's position is closed with the rule's status.
func (c *Controller) Evaluate(ctx context.Context, draft *domain.Draft) (Decision, error) {
	if draft == nil || draft.Position == nil {
		return Decision{}, errors.New("admission: draft without position")
	}
	ev := &evaluation{c: c, draft: draft, pos: draft.Position}
	for _, rule := range c.rules {
		ok, err := rule.Check(ctx, ev)
		if err != nil {
			return Decision{Rule: rule.Name}, fmt.Errorf("admission: rule %s: %w", rule.Name, err)
		}
		if ok {
			continue
		}
		draft.Position.Close(rule.Status, c.now().UTC())
		c.logger.InfoContext(ctx, "admission: draft rejected",
			slog.String("position_id", draft.Position.ID),
			slog.String("rule", rule.Name),
			slog.Int("status", int(rule.Status)),
		)
		return Decision{Status: rule.Status, Rule: rule.Name}, nil
	}
	return Decision{Allowed: true, Status: domain.StatusEntryPlaced}, nil
}

// evaluation carries per-draft memoized lookups.
type evaluation struct {
	c      *Controller
	draft  *domain.Draft
	pos    *domain.Position
	market *domain.Market
	costs  domain.ExchangeHandler
}

func (ev *evaluation) Market(ctx context.Context) (domain.Market, error) {
	if ev.market != nil {
		return *ev.market, nil
	}
	m, err := ev.c.markets.Market(ctx, ev.pos.ExchangeName, ev.pos.Symbol)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market %s: %w", ev.pos.Symbol, err)
	}
	ev.market = &m
	return m, nil
}

// Costs returns the cost model of the draft's market.
func (ev *evaluation) Costs(ctx context.Context) (domain.ExchangeHandler, error) {
	if ev.costs != nil {
		return ev.costs, nil
	}
	h, err := ev.c.handlers.Handler(ctx, ev.pos.ExchangeName, ev.pos.Symbol)
	if err != nil {
		return nil, err
	}
	ev.costs = h
	return h, nil
}

// below re-checks count < limit under the count retry policy and fails
// closed once attempts run out.
func (c *Controller) below(ctx context.Context, limit int, f domain.PositionFilter) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	err := c.countPolicy.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		n, err := c.positions.Count(ctx, f)
		if err != nil {
			return false, err
		}
		if n < int64(limit) {
			return true, nil
		}
		c.logger.DebugContext(ctx, "admission: concurrent limit reached",
			slog.Int("attempt", attempt),
			slog.Int64("count", n),
			slog.Int("limit", limit),
		)
		return false, nil
	})
	if errors.Is(err, domain.ErrRetryExhausted) {
		return false, nil
	}
	return err == nil, err
}
