package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
)

// ApplyFill ingests fills for an order. Trades may be supplied by the
// caller; when empty they are fetched from the exchange. hint classifies
// manual exits.
func (e *Engine) ApplyFill(ctx context.Context, pos *domain.Position, orderID string, trades []domain.Trade, hint domain.ExitTrigger) (Outcome, error) {
	var out Outcome
	if err := e.guard(pos); err != nil {
		return out, err
	}
	o, err := e.order(pos, orderID)
	if err != nil {
		return out, err
	}

	if e.isContraLeg(pos, o) {
		return out, e.ingestContraFill(ctx, pos, o, trades)
	}

	wasDone := o.Done
	intended := o.Amount
	if err := e.ingest(ctx, pos, o, trades); err != nil {
		return out, err
	}
	if wasDone {
		return out, nil
	}
	switch {
	case intended.IsPositive() && o.Filled.GreaterThanOrEqual(intended):
		o.Resolve(domain.OrderStatusClosed, e.now().UTC())
	case !o.Type.IsEntry() && o.Filled.IsPositive() && pos.BuyPerformed && !pos.RemainAmount.IsPositive():
		// An exit sized above the holding ends once nothing is left to reduce.
		o.Resolve(domain.OrderStatusClosed, e.now().UTC())
	case o.Filled.IsPositive():
		o.Status = domain.OrderStatusPartiallyFilled
	}

	if o.Type == domain.OrderEntry && pos.Multi != nil && !pos.Multi.Resolved && o.Filled.IsPositive() {
		if err := e.flip(ctx, pos, o, &out); err != nil {
			return out, err
		}
	}
	if o.Type == domain.OrderEntry && pos.BuyPerformed && pos.Status < domain.StatusEntryFilled {
		pos.Status = domain.StatusEntryFilled
	}
	if !o.Done {
		return out, nil
	}
	return out, e.afterResolve(ctx, pos, o, intended, hint, &out)
}

// settle is the post-resolution closing decision.
func (e *Engine) settle(ctx context.Context, pos *domain.Position, trigger domain.ExitTrigger, out *Outcome) error {
	if pos.Closed || !pos.BuyPerformed {
		return nil
	}
	remain := pos.RemainAmount
	if remain.IsZero() {
		if pos.SellPerformed {
			e.close(pos, out, closingStatus(trigger, domain.StatusExitFilled))
		}
		return nil
	}

	dust, err := e.isDust(ctx, pos, remain)
	if err != nil {
		return err
	}
	if dust {
		if hasPersistentReduce(pos) && hasPendingDCA(pos) {
			e.logger.Debug("reconcile: dust kept for persistent reduce",
				slog.String("position_id", pos.ID),
				slog.String("remain_amount", remain.String()),
			)
			return nil
		}
		e.close(pos, out, closingStatus(trigger, domain.StatusDustClosed))
		return nil
	}
	if trigger == domain.TriggerTakeProfit {
		pos.ReBuyProcess = true
	}
	return nil
}

// isDust reports whether remain is below the market's minimum tradable
// amount or notional.
func (e *Engine) isDust(ctx context.Context, pos *domain.Position, remain decimal.Decimal) (bool, error) {
	m, err := e.markets.Market(ctx, pos.ExchangeName, pos.Symbol)
	if err != nil {
		return false, fmt.Errorf("reconcile: market %s: %w", pos.Symbol, err)
	}
	price, ok := accounting.AvgExitPrice(pos)
	if !ok {
		price = pos.AvgBuyingPrice
	}
	if floor := m.Limits.Amount.Min; floor.IsPositive() && remain.LessThan(floor) {
		return true, nil
	}
	h, err := e.costs(ctx, pos)
	if err != nil {
		return false, err
	}
	cost := h.CalculateOrderCost(pos.Symbol, remain, price)
	if floor := m.Limits.Cost.Min; floor.IsPositive() && cost.LessThan(floor) {
		return true, nil
	}
	return false, nil
}

func hasPersistentReduce(pos *domain.Position) bool {
	for _, t := range pos.ReduceOrders {
		if t.Persistent && !t.Skipped && !t.Cancel {
			return true
		}
	}
	return false
}

func hasPendingDCA(pos *domain.Position) bool {
	for _, t := range pos.ReBuyTargets {
		if t.Pending() {
			return true
		}
	}
	return false
}

// adjustStopLoss moves the stop after a take-profit target fills. When both
// options are set, following the take-profit ladder takes precedence over
// break-even.
func adjustStopLoss(pos *domain.Position, filled *domain.Target) {
	switch {
	case pos.StopLossFollowsTakeProfit:
		ratio, prevID := decimal.NewFromInt(1), -1
		for _, t := range pos.TakeProfitTargets {
			if t.ID < filled.ID && t.ID > prevID && t.Done {
				ratio, prevID = t.PriceFactor, t.ID
			}
		}
		pos.StopLossPercentage = ratio
		pos.StopLossPrice = decimal.Zero
	case pos.StopLossToBreakEven:
		pos.StopLossPercentage = decimal.NewFromInt(1)
		pos.StopLossPrice = decimal.Zero
	}
}
