package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
)

const liquidationTradePrefix = "liq-"

// CheckLiquidation looks for an exchange forced order whose amount equals
// the remaining amount and books it as the liquidating exit.
func (e *Engine) CheckLiquidation(ctx context.Context, pos *domain.Position) (Outcome, error) {
	var out Outcome
	if err := e.guard(pos); err != nil {
		return out, err
	}
	if !pos.IsFutures() || !pos.BuyPerformed || pos.RemainAmount.IsZero() {
		return out, nil
	}

	forced, err := e.exchange.FetchForcedOrders(ctx, pos.Connection(), pos.Symbol, pos.CreatedAt)
	if err != nil {
		return out, fmt.Errorf("reconcile: forced orders %s: %w", pos.Symbol, err)
	}
	for _, fo := range forced {
		if _, known := pos.Orders[fo.ID]; known {
			continue
		}
		amount := fo.Filled
		if amount.IsZero() {
			amount = fo.Amount
		}
		if !amount.Equal(pos.RemainAmount) {
			e.flagMismatch(pos, fo, &out)
			continue
		}
		h, err := e.costs(ctx, pos)
		if err != nil {
			return out, err
		}
		e.bookLiquidation(pos, fo, h, &out)
		return out, nil
	}
	return out, nil
}

func (e *Engine) bookLiquidation(pos *domain.Position, fo domain.ExchangeOrder, h domain.ExchangeHandler, out *Outcome) {
	price := fo.Average
	if price.IsZero() {
		price = fo.Price
	}
	amount := fo.Filled
	if amount.IsZero() {
		amount = fo.Amount
	}
	at := fo.Timestamp
	if at.IsZero() {
		at = e.now().UTC()
	}

	o := &domain.Order{
		ID:          fo.ID,
		Type:        domain.OrderExit,
		IsBuy:       pos.Side.IsShort(),
		Price:       price,
		Amount:      amount,
		Liquidation: true,
		PlacedAt:    at,
	}
	o.Resolve(domain.OrderStatusClosed, at)
	pos.AddOrder(o)
	pos.AppendTrades(exitTrade(pos, liquidationTradePrefix+fo.ID, fo.ID, price, amount, at))
	accounting.Recompute(h, pos)
	e.patchOrder(pos, o, h)

	e.logger.Warn("reconcile: liquidation booked",
		slog.String("position_id", pos.ID),
		slog.String("order_id", fo.ID),
		slog.String("amount", amount.String()),
		slog.String("price", price.String()),
	)
	if pos.RemainAmount.IsZero() {
		e.close(pos, out, domain.StatusLiquidated)
		out.alert(pos, domain.AlertPositionLiquidated, "Position liquidated",
			fmt.Sprintf("%s %s position %s was liquidated at %s.", pos.Symbol, pos.Side, pos.ID, price))
	}
}

// flagMismatch raises one alert per unexplained forced order.
func (e *Engine) flagMismatch(pos *domain.Position, fo domain.ExchangeOrder, out *Outcome) {
	note := "liquidation mismatch " + fo.ID
	for _, n := range pos.Notes {
		if strings.HasPrefix(n, note) {
			return
		}
	}
	pos.Note(fmt.Sprintf("%s: forced amount %s, remaining %s", note, fo.Amount, pos.RemainAmount))
	e.logger.Warn("reconcile: forced order does not match remaining amount",
		slog.String("position_id", pos.ID),
		slog.String("order_id", fo.ID),
		slog.String("forced_amount", fo.Amount.String()),
		slog.String("remain_amount", pos.RemainAmount.String()),
	)
	out.alert(pos, domain.AlertLiquidationMismatch, "Unexplained forced order",
		fmt.Sprintf("Forced order %s on %s does not match the remaining amount of position %s.", fo.ID, pos.Symbol, pos.ID))
}
