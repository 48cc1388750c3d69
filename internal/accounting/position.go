package accounting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// Recompute refreshes the derived sizing fields of pos from its trades:
// realAmount, remainAmount, realPositionSize, avgBuyingPrice and
// realInvestment.
func Recompute(h domain.ExchangeHandler, pos *domain.Position) {
	entries, exits := SplitBySide(pos.Side, pos.Trades)
	entryQty, entryAvg, hasEntries := WeightedAverage(entries)
	exitQty, _, hasExits := WeightedAverage(exits)

	pos.BuyPerformed = hasEntries
	pos.SellPerformed = hasExits
	if !hasEntries {
		pos.RealAmount = decimal.Zero
		pos.RemainAmount = decimal.Zero
		pos.RealPositionSize = decimal.Zero
		pos.AvgBuyingPrice = decimal.Zero
		pos.RealInvestment = decimal.Zero
		return
	}

	held := entryQty.Sub(BaseCommission(pos, entries))
	remain := held.Sub(exitQty)
	if remain.IsNegative() {
		remain = decimal.Zero
	}
	size := h.CalculatePositionSize(pos.Symbol, held, entryAvg)

	pos.RealAmount = entryQty
	pos.RemainAmount = domain.Fix(remain)
	pos.AvgBuyingPrice = entryAvg
	pos.RealPositionSize = domain.Fix(size)
	pos.RealInvestment = domain.Fix(
		h.CalculateRealInvestmentFromPositionSize(pos.Symbol, size).Div(pos.EffectiveLeverage()),
	)
}

// AvgExitPrice is the weighted price of the exit-side trades.
func AvgExitPrice(pos *domain.Position) (decimal.Decimal, bool) {
	_, exits := SplitBySide(pos.Side, pos.Trades)
	_, avg, ok := WeightedAverage(exits)
	return avg, ok
}

// LockedAmount sums the unfilled amount of pending orders of the given types.
func LockedAmount(pos *domain.Position, types ...domain.OrderType) decimal.Decimal {
	total := decimal.Zero
	for _, o := range pos.Orders {
		if !o.Pending() || (len(types) > 0 && !o.Type.In(types...)) {
			continue
		}
		total = total.Add(o.Amount.Sub(o.Filled))
	}
	return domain.Fix(total)
}

// LockedInvestmentFromEntries is the margin held by the unfilled part of
// pending entry orders.
func LockedInvestmentFromEntries(h domain.ExchangeHandler, pos *domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, o := range pos.Orders {
		if !o.Pending() || !o.Type.IsEntry() {
			continue
		}
		total = total.Add(h.CalculateOrderCost(pos.Symbol, o.Amount.Sub(o.Filled), o.Price))
	}
	return domain.Fix(total.Div(pos.EffectiveLeverage()))
}

// CloseAccounting builds the accounting record written when pos closes.
func CloseAccounting(h domain.ExchangeHandler, pos *domain.Position, fundingFees, allocatedBalance decimal.Decimal, at time.Time) *domain.Accounting {
	gross := RealizedGrossProfit(h, pos)
	fees := TotalFees(pos)
	net := domain.Fix(gross.Sub(fees).Sub(fundingFees))
	exitAvg, _ := AvgExitPrice(pos)

	acc := &domain.Accounting{
		AvgExitPrice:                    exitAvg,
		GrossProfit:                     gross,
		NetProfit:                       net,
		TotalFees:                       fees,
		FundingFees:                     fundingFees,
		ClosingDate:                     at,
		TotalAllocatedBalance:           allocatedBalance,
		ProfitFromTotalAllocatedBalance: Percent(net, allocatedBalance),
	}
	return acc
}
