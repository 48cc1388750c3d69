package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// CancelOrder cancels one order on the exchange and reconciles whatever it
// filled before the cancel took effect.
func (e *Engine) CancelOrder(ctx context.Context, pos *domain.Position, orderID string) (Outcome, error) {
	if err := e.guard(pos); err != nil {
		return Outcome{}, err
	}
	o, err := e.order(pos, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if o.Done {
		return Outcome{}, nil
	}
	return e.cancelOrders(ctx, pos, []*domain.Order{o})
}

// CancelAllPending cancels every not-done order of the given types (all
// types when none are given). Processing stops at the first error that is
// neither a missing order nor a credential failure.
func (e *Engine) CancelAllPending(ctx context.Context, pos *domain.Position, types ...domain.OrderType) (Outcome, error) {
	if err := e.guard(pos); err != nil {
		return Outcome{}, err
	}
	orders := pos.PendingOrders(types...)
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].PlacedAt.Equal(orders[j].PlacedAt) {
			return orders[i].PlacedAt.Before(orders[j].PlacedAt)
		}
		return orders[i].ID < orders[j].ID
	})
	return e.cancelOrders(ctx, pos, orders)
}

func (e *Engine) cancelOrders(ctx context.Context, pos *domain.Position, orders []*domain.Order) (Outcome, error) {
	var out Outcome
	for _, o := range orders {
		if pos.Closed {
			break
		}
		exo, err := e.exchange.CancelOrder(ctx, pos.Connection(), pos.Symbol, o.ID)
		if err != nil {
			o.LastCancelError = err.Error()
			attrs := []slog.Attr{slog.String("position_id", pos.ID), slog.String("order_id", o.ID)}
			switch Classify(err) {
			case ClassMissingOrder:
				o.CancelAttempts++
				if !e.missingOrderExhausted(o) {
					e.logExchangeError(ctx, "reconcile: cancel target missing, will retry", err, attrs...)
					out.Retry = true
					continue
				}
				e.logger.Warn("reconcile: missing order declared canceled",
					slog.String("position_id", pos.ID),
					slog.String("order_id", o.ID),
					slog.Int("attempts", o.CancelAttempts),
				)
				exo = domain.ExchangeOrder{ID: o.ID, Status: domain.OrderStatusCanceled, Filled: o.Filled}
			case ClassInvalidCredentials:
				e.logExchangeError(ctx, "reconcile: cancel rejected credentials", err, attrs...)
				out.CredentialFailure = true
				e.close(pos, &out, domain.StatusInvalidKeys)
				out.alert(pos, domain.AlertCredentialsInvalid, "Exchange keys invalid",
					fmt.Sprintf("Exchange %s rejected the API keys while canceling order %s.", pos.ExchangeName, o.ID))
				return out, nil
			default:
				e.logExchangeError(ctx, "reconcile: cancel failed", err, attrs...)
				out.alert(pos, domain.AlertCancelFailed, "Order cancel failed",
					fmt.Sprintf("Order %s on %s could not be canceled: %v", o.ID, pos.Symbol, err))
				return out, fmt.Errorf("reconcile: cancel %s: %w", o.ID, err)
			}
		}
		if err := e.resolve(ctx, pos, o, exo, "", &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *Engine) missingOrderExhausted(o *domain.Order) bool {
	if o.CancelAttempts >= e.cfg.MissingOrderMaxAttempts {
		return true
	}
	return !o.PlacedAt.IsZero() && e.now().Sub(o.PlacedAt) >= e.cfg.MissingOrderMaxAge
}

// Expire reconciles an order the exchange reports as expired.
func (e *Engine) Expire(ctx context.Context, pos *domain.Position, orderID string) (Outcome, error) {
	if err := e.guard(pos); err != nil {
		return Outcome{}, err
	}
	o, err := e.order(pos, orderID)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	if o.Done {
		return out, nil
	}
	exo, err := e.exchange.FetchOrder(ctx, pos.Connection(), pos.Symbol, o.ID)
	if err != nil {
		return out, fmt.Errorf("reconcile: fetch order %s: %w", o.ID, err)
	}
	return out, e.resolve(ctx, pos, o, exo, "", &out)
}

// resolve applies the exchange's terminal view of o to pos.
func (e *Engine) resolve(ctx context.Context, pos *domain.Position, o *domain.Order, exo domain.ExchangeOrder, hint domain.ExitTrigger, out *Outcome) error {
	switch exo.Status {
	case domain.OrderStatusCanceled, domain.OrderStatusExpired, domain.OrderStatusClosed, domain.OrderStatusRejected:
	case domain.OrderStatusOpen, domain.OrderStatusPartiallyFilled:
		e.logger.Warn("reconcile: order still live after cancel",
			slog.String("position_id", pos.ID),
			slog.String("order_id", o.ID),
			slog.String("status", string(exo.Status)),
		)
		out.Retry = true
		return nil
	default:
		e.logger.Error("reconcile: unknown order status",
			slog.String("position_id", pos.ID),
			slog.String("order_id", o.ID),
			slog.String("status", string(exo.Status)),
		)
		pos.Note(fmt.Sprintf("order %s reported unknown status %q", o.ID, exo.Status))
		out.alert(pos, domain.AlertUnknownOrderStatus, "Unknown order status",
			fmt.Sprintf("Order %s on %s reported status %q.", o.ID, pos.Symbol, exo.Status))
		out.Retry = true
		return nil
	}

	intended := o.Amount
	if exo.Filled.GreaterThan(o.Filled) {
		if err := e.ingest(ctx, pos, o, nil); err != nil {
			return err
		}
	}
	o.Resolve(exo.Status, e.now().UTC())
	e.logger.Info("reconcile: order resolved",
		slog.String("position_id", pos.ID),
		slog.String("order_id", o.ID),
		slog.String("type", string(o.Type)),
		slog.String("status", string(o.Status)),
		slog.String("filled", o.Filled.String()),
	)
	return e.afterResolve(ctx, pos, o, intended, hint, out)
}

// afterResolve advances the owning target and decides whether pos closes.
func (e *Engine) afterResolve(ctx context.Context, pos *domain.Position, o *domain.Order, intended decimal.Decimal, hint domain.ExitTrigger, out *Outcome) error {
	filled := o.Filled
	expired := o.Status == domain.OrderStatusExpired
	full := o.Status == domain.OrderStatusClosed || (intended.IsPositive() && filled.GreaterThanOrEqual(intended))

	if t, kind, ok := pos.TargetForOrder(o.ID); ok {
		switch {
		case full:
			t.Done = true
			if kind == domain.TargetTakeProfit {
				adjustStopLoss(pos, t)
			}
		case expired:
			t.Skipped = true
			t.Expired = true
		case kind == domain.TargetTakeProfit:
			t.OrderID = ""
			if filled.IsPositive() {
				t.Note = fmt.Sprintf("partially filled %s of %s before cancel", filled, intended)
			}
		default:
			if filled.IsPositive() && intended.IsPositive() {
				left := decimal.NewFromInt(1).Sub(filled.Div(intended))
				t.AmountFactor = domain.Fix(t.AmountFactor.Mul(left))
			}
			t.OrderID = ""
		}
	}

	if o.Type == domain.OrderEntry {
		if pos.Multi != nil && !pos.Multi.Resolved {
			if !filled.IsPositive() {
				if e.multiLegsExhausted(pos) {
					e.closeUnfilledEntry(pos, out, expired)
				}
				return nil
			}
			if err := e.flip(ctx, pos, o, out); err != nil {
				return err
			}
		}
		if !pos.BuyPerformed {
			e.closeUnfilledEntry(pos, out, expired)
			return nil
		}
		if pos.Status < domain.StatusEntryFilled {
			pos.Status = domain.StatusEntryFilled
		}
	}

	if !filled.IsPositive() {
		return nil
	}
	trigger := hint
	if !o.Type.IsEntry() {
		trigger = exitTrigger(pos, o, hint)
	}
	return e.settle(ctx, pos, trigger, out)
}

func (e *Engine) closeUnfilledEntry(pos *domain.Position, out *Outcome, expired bool) {
	status := domain.StatusEntryCanceled
	if expired {
		status = domain.StatusEntryExpired
	}
	e.close(pos, out, status)
}
