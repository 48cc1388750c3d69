package accounting

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// GrossProfit delegates the price-times-quantity arithmetic to the cost
// model for the position's side.
func GrossProfit(h domain.ExchangeHandler, pos *domain.Position, entryAvg, entryQty, exitAvg, exitQty decimal.Decimal) decimal.Decimal {
	if entryQty.IsZero() || exitQty.IsZero() {
		return decimal.Zero
	}
	return domain.Fix(h.CalculateGrossProfit(pos.Symbol, pos.Side.IsShort(), entryAvg, exitAvg, entryQty, exitQty))
}

// GrossProfitFromOpenPosition values qty at the mark price instead of
// realized exits.
func GrossProfitFromOpenPosition(h domain.ExchangeHandler, pos *domain.Position, entryAvg, qty, markPrice decimal.Decimal) decimal.Decimal {
	if qty.IsZero() || entryAvg.IsZero() {
		return decimal.Zero
	}
	return domain.Fix(h.CalculateCurrentGrossProfit(pos.Symbol, pos.Side.IsShort(), entryAvg, markPrice, qty))
}

// RealizedGrossProfit computes profit over every exit trade so far.
func RealizedGrossProfit(h domain.ExchangeHandler, pos *domain.Position) decimal.Decimal {
	entries, exits := SplitBySide(pos.Side, pos.Trades)
	entryQty, entryAvg, ok := WeightedAverage(entries)
	if !ok {
		return decimal.Zero
	}
	exitQty, exitAvg, ok := WeightedAverage(exits)
	if !ok {
		return decimal.Zero
	}
	return GrossProfit(h, pos, entryAvg, entryQty, exitAvg, exitQty)
}

// Percent returns value relative to base in percent. A base that rounds to
// zero at 8 digits yields zero.
func Percent(value, base decimal.Decimal) decimal.Decimal {
	if base.Round(8).IsZero() {
		return decimal.Zero
	}
	return value.Div(base).Mul(hundred).Round(8)
}

// UnrealizedAndRealizedPnL combines realized exit profit with a
// mark-to-market valuation of the remaining amount.
func UnrealizedAndRealizedPnL(h domain.ExchangeHandler, pos *domain.Position, currentPrice decimal.Decimal) domain.PnL {
	entries, _ := SplitBySide(pos.Side, pos.Trades)
	_, entryAvg, ok := WeightedAverage(entries)
	if !ok {
		return domain.PnL{
			Unrealized: decimal.Zero, UnrealizedPct: decimal.Zero,
			Realized: decimal.Zero, RealizedPct: decimal.Zero, PriceDiffPct: decimal.Zero,
		}
	}

	realized := RealizedGrossProfit(h, pos)
	unrealized := GrossProfitFromOpenPosition(h, pos, entryAvg, pos.RemainAmount, currentPrice)

	diff := Percent(currentPrice.Sub(entryAvg), entryAvg)
	if pos.Side.IsShort() {
		diff = diff.Neg()
	}
	return domain.PnL{
		Unrealized:    unrealized,
		UnrealizedPct: Percent(unrealized, pos.RealInvestment),
		Realized:      realized,
		RealizedPct:   Percent(realized, pos.RealInvestment),
		PriceDiffPct:  diff,
	}
}

// ProfitSharing splits a payout between shared and retained profit. Losses
// are shared only up to realized PnL, and profit offset by open losses is
// retained rather than shared.
func ProfitSharing(unrealized, realized, retain decimal.Decimal) (share, newRetain decimal.Decimal) {
	total := realized.Add(retain)
	if !total.IsPositive() {
		return total, decimal.Zero
	}
	openLoss := decimal.Min(unrealized, decimal.Zero)
	share = decimal.Max(total.Add(openLoss), decimal.Zero)
	if share.IsZero() {
		return share, retain.Add(realized)
	}
	return share, openLoss.Neg()
}

// FundingFees returns the funding paid on symbol over incomes. A positive
// result is a cost.
func FundingFees(h domain.ExchangeHandler, symbol string, incomes []domain.Income) decimal.Decimal {
	total := decimal.Zero
	for _, inc := range incomes {
		if inc.Type != domain.IncomeFunding || inc.Symbol != symbol {
			continue
		}
		total = total.Sub(h.CalculateFundingFeeForExchangeIncome(symbol, inc))
	}
	return domain.Fix(total)
}
