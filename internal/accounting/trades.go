// Package accounting holds the pure cost-basis, profit and sizing
// computations over a position's trade and order history.
package accounting

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

type tradeKey struct {
	tradeID string
	orderID string
}

// Dedupe drops trades whose (tradeId, orderId) was already seen, keeping
// the first occurrence.
func Dedupe(trades []domain.Trade) []domain.Trade {
	seen := make(map[tradeKey]struct{}, len(trades))
	out := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		k := tradeKey{t.ID, t.OrderID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ExtractEntryExitTrades dedupes trades and buckets them by buyer flag.
func ExtractEntryExitTrades(trades []domain.Trade) (buys, sells []domain.Trade) {
	for _, t := range Dedupe(trades) {
		if t.IsBuyer {
			buys = append(buys, t)
		} else {
			sells = append(sells, t)
		}
	}
	return buys, sells
}

// SplitBySide returns the entry and exit buckets for side: LONG enters with
// buys, SHORT enters with sells.
func SplitBySide(side domain.Side, trades []domain.Trade) (entries, exits []domain.Trade) {
	buys, sells := ExtractEntryExitTrades(trades)
	if side.IsShort() {
		return sells, buys
	}
	return buys, sells
}

// WeightedAverage returns the total quantity and volume-weighted price, both
// truncated to the stored precision. ok is false when the quantity is zero.
func WeightedAverage(trades []domain.Trade) (totalQty, avgPrice decimal.Decimal, ok bool) {
	notional := decimal.Zero
	for _, t := range trades {
		totalQty = totalQty.Add(t.Qty)
		notional = notional.Add(t.Qty.Mul(t.Price))
	}
	if totalQty.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	avg := notional.DivRound(totalQty, domain.Precision+4)
	return domain.Fix(totalQty), domain.Fix(avg), true
}

// BaseCommission sums commissions charged in the base asset. Only spot
// accounts deduct those from the held quantity.
func BaseCommission(pos *domain.Position, trades []domain.Trade) decimal.Decimal {
	total := decimal.Zero
	if pos.IsFutures() || pos.Base == "" {
		return total
	}
	for _, t := range trades {
		if t.CommissionAsset == pos.Base {
			total = total.Add(t.Commission)
		}
	}
	return total
}

// TotalFees converts every commission to the quote currency. Base-asset
// commissions are valued at the trade price; other assets are skipped.
func TotalFees(pos *domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, t := range Dedupe(pos.Trades) {
		switch t.CommissionAsset {
		case pos.Quote:
			total = total.Add(t.Commission)
		case pos.Base:
			total = total.Add(t.Commission.Mul(t.Price))
		}
	}
	return domain.Fix(total)
}
