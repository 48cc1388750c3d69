// Package reconcile folds exchange order state into a position: cancels,
// fills, expiries, MULTI leg flips and liquidations. Every operation mutates
// the in-memory position only; the caller persists the result atomically.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Config bounds retries of cancels against orders the exchange no longer knows.
type Config struct {
	MissingOrderMaxAttempts int
	MissingOrderMaxAge      time.Duration
}

// Outcome summarises what an operation did to the position.
type Outcome struct {
	Closed bool
	Status domain.Status
	// CredentialFailure asks the caller to close every open position of the
	// connection.
	CredentialFailure bool
	// Retry is set when some orders could not be resolved yet.
	Retry  bool
	Alerts []domain.Alert
}

func (o *Outcome) alert(pos *domain.Position, event, title, msg string) {
	o.Alerts = append(o.Alerts, domain.Alert{Event: event, PositionID: pos.ID, Title: title, Message: msg})
}

// Engine reconciles positions against an exchange.
type Engine struct {
	exchange domain.ExchangeCalls
	markets  domain.MarketCatalog
	handlers domain.HandlerSource
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(
	exchange domain.ExchangeCalls,
	markets domain.MarketCatalog,
	handlers domain.HandlerSource,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.MissingOrderMaxAttempts <= 0 {
		cfg.MissingOrderMaxAttempts = 5
	}
	if cfg.MissingOrderMaxAge <= 0 {
		cfg.MissingOrderMaxAge = time.Hour
	}
	e := &Engine{
		exchange: exchange,
		markets:  markets,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reconcile")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) guard(pos *domain.Position) error {
	if pos.Closed {
		return fmt.Errorf("reconcile: position %s: %w", pos.ID, domain.ErrPositionClosed)
	}
	return nil
}

// costs returns the cost model of pos, loading its contract terms when
// this process has not seen the market yet.
func (e *Engine) costs(ctx context.Context, pos *domain.Position) (domain.ExchangeHandler, error) {
	h, err := e.handlers.Handler(ctx, pos.ExchangeName, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("reconcile: position %s: %w", pos.ID, err)
	}
	return h, nil
}

func (e *Engine) order(pos *domain.Position, orderID string) (*domain.Order, error) {
	o, ok := pos.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("reconcile: position %s order %s: %w", pos.ID, orderID, domain.ErrNotFound)
	}
	return o, nil
}

func (e *Engine) close(pos *domain.Position, out *Outcome, status domain.Status) {
	pos.Close(status, e.now().UTC())
	out.Closed = true
	out.Status = status
	e.logger.Info("reconcile: position closed",
		slog.String("position_id", pos.ID),
		slog.Int("status", int(status)),
		slog.String("reason", status.String()),
		slog.String("remain_amount", pos.RemainAmount.String()),
	)
}

// ingest appends trades for an order, refetching from the exchange when
// none are supplied, and refreshes derived fields.
func (e *Engine) ingest(ctx context.Context, pos *domain.Position, o *domain.Order, trades []domain.Trade) error {
	h, err := e.costs(ctx, pos)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fetched, err := e.exchange.FetchOrderTrades(ctx, pos.Connection(), pos.Symbol, o.ID)
		if err != nil {
			return fmt.Errorf("reconcile: fetch trades %s: %w", o.ID, err)
		}
		trades = fetched
	}
	for i := range trades {
		if trades[i].OrderID == "" {
			trades[i].OrderID = o.ID
		}
	}
	added := pos.AppendTrades(trades...)
	accounting.Recompute(h, pos)
	e.patchOrder(pos, o, h)
	if added > 0 {
		e.logger.Debug("reconcile: trades ingested",
			slog.String("position_id", pos.ID),
			slog.String("order_id", o.ID),
			slog.Int("added", added),
		)
	}
	return nil
}

// patchOrder sets the order's observed fill from its own trades.
func (e *Engine) patchOrder(pos *domain.Position, o *domain.Order, h domain.ExchangeHandler) {
	var own []domain.Trade
	for _, t := range pos.Trades {
		if t.OrderID == o.ID && !t.Fake {
			own = append(own, t)
		}
	}
	qty, avg, ok := accounting.WeightedAverage(own)
	if !ok {
		return
	}
	o.Filled = qty
	o.Price = avg
	o.Cost = domain.Fix(h.CalculateOrderCost(pos.Symbol, qty, avg))
}

// exitTrigger derives what caused an exit order.
func exitTrigger(pos *domain.Position, o *domain.Order, hint domain.ExitTrigger) domain.ExitTrigger {
	if o.Liquidation {
		return domain.TriggerLiquidation
	}
	if _, kind, ok := pos.TargetForOrder(o.ID); ok && kind == domain.TargetReduce {
		return domain.TriggerReduce
	}
	switch o.Type {
	case domain.OrderTakeProfit:
		return domain.TriggerTakeProfit
	case domain.OrderStopLoss:
		if pos.TrailingStopTriggered {
			return domain.TriggerTrailing
		}
		return domain.TriggerStopLoss
	case domain.OrderExit:
		if hint != "" {
			return hint
		}
		return domain.TriggerManual
	}
	return hint
}

// closingStatus maps a trigger to the terminal status. fallback is used
// when the trigger is unknown.
func closingStatus(trigger domain.ExitTrigger, fallback domain.Status) domain.Status {
	switch trigger {
	case domain.TriggerTakeProfit:
		return domain.StatusTakeProfitExhausted
	case domain.TriggerStopLoss:
		return domain.StatusStopLoss
	case domain.TriggerTrailing:
		return domain.StatusTrailingStop
	case domain.TriggerManual:
		return domain.StatusManualExit
	case domain.TriggerReduce:
		return domain.StatusReduceExhausted
	case domain.TriggerLiquidation:
		return domain.StatusLiquidated
	}
	return fallback
}

// exitTrade builds a trade on the exit side of pos.
func exitTrade(pos *domain.Position, id, orderID string, price, qty decimal.Decimal, at time.Time) domain.Trade {
	return domain.Trade{
		ID:        id,
		OrderID:   orderID,
		Price:     price,
		Qty:       qty,
		IsBuyer:   pos.Side.IsShort(),
		Timestamp: at,
	}
}
