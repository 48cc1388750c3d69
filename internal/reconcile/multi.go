package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
)

// fakeTradePrefix marks the synthetic trade that offsets contra-leg fills.
const fakeTradePrefix = "fake-"

func legSide(o *domain.Order) domain.Side {
	if o.Side != "" {
		return o.Side
	}
	if o.IsBuy {
		return domain.SideLong
	}
	return domain.SideShort
}

func (e *Engine) multiLegsExhausted(pos *domain.Position) bool {
	for _, id := range []string{pos.Multi.LongOrderID, pos.Multi.ShortOrderID} {
		if o, ok := pos.Orders[id]; ok && !o.Done {
			return false
		}
	}
	return true
}

// isContraLeg reports whether o is the losing leg of a resolved MULTI entry.
func (e *Engine) isContraLeg(pos *domain.Position, o *domain.Order) bool {
	if pos.Multi == nil || !pos.Multi.Resolved || o.Type != domain.OrderEntry {
		return false
	}
	return (o.ID == pos.Multi.LongOrderID || o.ID == pos.Multi.ShortOrderID) && legSide(o) != pos.Side
}

// flip resolves a MULTI entry once leg fills: the position takes the leg's
// side, stored ratios are re-expressed for it, and the contra leg is
// canceled with any contra fill offset by a fake trade.
func (e *Engine) flip(ctx context.Context, pos *domain.Position, leg *domain.Order, out *Outcome) error {
	realized := legSide(leg)
	contraID := pos.Multi.ShortOrderID
	if realized.IsShort() {
		contraID = pos.Multi.LongOrderID
	}

	h, err := e.costs(ctx, pos)
	if err != nil {
		return err
	}
	pos.Side = realized
	pos.Multi.Resolved = true
	mirrored := pos.NormalizeRatios()
	accounting.Recompute(h, pos)
	e.logger.Info("reconcile: multi entry resolved",
		slog.String("position_id", pos.ID),
		slog.String("side", string(realized)),
		slog.Bool("ratios_mirrored", mirrored),
	)

	contra, ok := pos.Orders[contraID]
	if !ok || contra.Done {
		return nil
	}
	exo, err := e.exchange.CancelOrder(ctx, pos.Connection(), pos.Symbol, contra.ID)
	if err != nil {
		switch Classify(err) {
		case ClassMissingOrder:
			exo = domain.ExchangeOrder{ID: contra.ID, Status: domain.OrderStatusCanceled, Filled: contra.Filled}
		case ClassInvalidCredentials:
			out.CredentialFailure = true
			e.close(pos, out, domain.StatusInvalidKeys)
			out.alert(pos, domain.AlertCredentialsInvalid, "Exchange keys invalid",
				fmt.Sprintf("Exchange %s rejected the API keys while canceling MULTI leg %s.", pos.ExchangeName, contra.ID))
			return nil
		default:
			e.logExchangeError(ctx, "reconcile: cancel multi contra leg failed", err,
				slog.String("position_id", pos.ID), slog.String("order_id", contra.ID))
			out.Retry = true
			return nil
		}
	}
	if exo.Filled.GreaterThan(contra.Filled) {
		if err := e.ingestContraFill(ctx, pos, contra, nil); err != nil {
			return err
		}
	}
	status := exo.Status
	if !status.Terminal() {
		status = domain.OrderStatusCanceled
	}
	contra.Resolve(status, e.now().UTC())
	return nil
}

// ingestContraFill records contra-leg fills as real trades and keeps the
// offsetting fake trade in step with them.
func (e *Engine) ingestContraFill(ctx context.Context, pos *domain.Position, contra *domain.Order, trades []domain.Trade) error {
	if err := e.ingest(ctx, pos, contra, trades); err != nil {
		return err
	}
	if !contra.Filled.IsPositive() {
		return nil
	}
	fakeID := fakeTradePrefix + contra.ID
	if !pos.HasTrade(fakeID, contra.ID) {
		pos.Trades = append(pos.Trades, domain.Trade{
			ID:        fakeID,
			OrderID:   contra.ID,
			Price:     contra.Price,
			Qty:       contra.Filled,
			IsBuyer:   !pos.Side.IsShort(),
			Timestamp: e.now().UTC(),
			Fake:      true,
		})
	} else {
		FixFakeTrade(pos, contra.ID, contra.Filled)
	}
	h, err := e.costs(ctx, pos)
	if err != nil {
		return err
	}
	accounting.Recompute(h, pos)
	return nil
}

// FixFakeTrade reconciles the fake trade of a contra leg with the leg's
// observed fill. A positive correction is clamped to zero, so the fake
// quantity can only shrink.
func FixFakeTrade(pos *domain.Position, contraOrderID string, observed decimal.Decimal) decimal.Decimal {
	fakeID := fakeTradePrefix + contraOrderID
	for i := range pos.Trades {
		t := &pos.Trades[i]
		if t.ID != fakeID || t.OrderID != contraOrderID {
			continue
		}
		fix := observed.Sub(t.Qty)
		if fix.IsPositive() {
			fix = decimal.Zero
		}
		t.Qty = t.Qty.Add(fix)
		return fix
	}
	return decimal.Zero
}
