package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the market direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

// IsShort reports whether s is SHORT.
func (s Side) IsShort() bool { return s == SideShort }

// ExchangeType distinguishes spot from derivatives accounts.
type ExchangeType string

const (
	ExchangeSpot    ExchangeType = "spot"
	ExchangeFutures ExchangeType = "futures"
)

// Precision is the number of fractional digits kept on stored monetary values.
const Precision = 12

// Fix truncates d to the stored precision.
func Fix(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// Accounting is populated once when a position closes.
type Accounting struct {
	AvgExitPrice                    decimal.Decimal `json:"avgExitPrice"`
	GrossProfit                     decimal.Decimal `json:"grossProfit"`
	NetProfit                       decimal.Decimal `json:"netProfit"`
	TotalFees                       decimal.Decimal `json:"totalFees"`
	FundingFees                     decimal.Decimal `json:"fundingFees"`
	ClosingDate                     time.Time       `json:"closingDate"`
	TotalAllocatedBalance           decimal.Decimal `json:"totalAllocatedBalance"`
	ProfitFromTotalAllocatedBalance decimal.Decimal `json:"profitFromTotalAllocatedBalance"`
}

// MultiEntry describes a position opened with two opposing candidate entry
// orders. Only the first leg to fill survives.
type MultiEntry struct {
	LongOrderID  string `json:"longOrderId"`
	ShortOrderID string `json:"shortOrderId"`
	Resolved     bool   `json:"resolved"`
}

// Position is one trading position for one user, exchange connection and market.
type Position struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"userId"`
	ExchangeInternalID string       `json:"exchangeInternalId"`
	ExchangeName       string       `json:"exchange"`
	ExchangeType       ExchangeType `json:"exchangeType"`
	Symbol             string       `json:"symbol"`
	Base               string       `json:"base"`
	Quote              string       `json:"quote"`
	Side               Side         `json:"side"`

	ProviderID  string `json:"providerId"`
	SignalID    string `json:"signalId"`
	CopyTrading bool   `json:"copyTrading"`

	Closed        bool       `json:"closed"`
	BuyPerformed  bool       `json:"buyPerformed"`
	SellPerformed bool       `json:"sellPerformed"`
	Accounted     bool       `json:"accounted"`
	Updating      bool       `json:"updating"`
	Locked        bool       `json:"locked"`
	LockedBy      string     `json:"lockedBy,omitempty"`
	LockedFrom    string     `json:"lockedFrom,omitempty"`
	LockID        string     `json:"lockId,omitempty"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`

	// PositionSize is the requested size in quote currency, before leverage.
	PositionSize     decimal.Decimal `json:"positionSize"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	Amount           decimal.Decimal `json:"amount"`
	RealAmount       decimal.Decimal `json:"realAmount"`
	RemainAmount     decimal.Decimal `json:"remainAmount"`
	RealPositionSize decimal.Decimal `json:"realPositionSize"`
	AvgBuyingPrice   decimal.Decimal `json:"avgBuyingPrice"`
	Leverage         int64           `json:"leverage"`
	RealInvestment   decimal.Decimal `json:"realInvestment"`

	// AllocatedBalance is the provider allocation the position draws on.
	AllocatedBalance decimal.Decimal `json:"allocatedBalance"`
	// ProfitRetain is profit held back from sharing against open losses.
	ProfitRetain decimal.Decimal `json:"profitRetain"`

	Orders map[string]*Order `json:"orders"`
	Trades []Trade           `json:"trades"`

	TakeProfitTargets []*Target `json:"takeProfitTargets"`
	ReBuyTargets      []*Target `json:"reBuyTargets"`
	ReduceOrders      []*Target `json:"reduceOrders"`

	// Ratios: > 1 above entry, < 1 below entry. Zero means unset.
	StopLossPercentage            decimal.Decimal `json:"stopLossPercentage"`
	StopLossPrice                 decimal.Decimal `json:"stopLossPrice"`
	TrailingStopTriggerPercentage decimal.Decimal `json:"trailingStopTriggerPercentage"`
	TrailingStopPercentage        decimal.Decimal `json:"trailingStopPercentage"`
	TrailingStopTriggered         bool            `json:"trailingStopTriggered"`
	StopLossFollowsTakeProfit     bool            `json:"stopLossFollowsTakeProfit"`
	StopLossToBreakEven           bool            `json:"stopLossToBreakEven"`

	// RatiosSide is the side the stored ratios are expressed for.
	RatiosSide Side `json:"ratiosSide,omitempty"`

	ReBuyProcess bool        `json:"reBuyProcess"`
	Multi        *MultiEntry `json:"multi,omitempty"`
	Accounting   *Accounting `json:"accounting,omitempty"`

	// BuyTTL bounds how long the entry may wait; zero disables it.
	BuyTTL time.Duration `json:"buyTTL"`

	Status    Status     `json:"status"`
	Notes     []string   `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	Version   int64      `json:"version"`
}

// Connection identifies the exchange connection a position trades on.
func (p *Position) Connection() Connection {
	return Connection{
		UserID:             p.UserID,
		ExchangeInternalID: p.ExchangeInternalID,
		ExchangeName:       p.ExchangeName,
		ExchangeType:       p.ExchangeType,
	}
}

// IsFutures reports whether the position trades a derivatives account.
func (p *Position) IsFutures() bool { return p.ExchangeType == ExchangeFutures }

// EffectiveLeverage returns the leverage, treating unset as 1.
func (p *Position) EffectiveLeverage() decimal.Decimal {
	if p.Leverage <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(p.Leverage)
}

// AddOrder registers o under its id.
func (p *Position) AddOrder(o *Order) {
	if p.Orders == nil {
		p.Orders = make(map[string]*Order)
	}
	p.Orders[o.ID] = o
}

// HasTrade reports whether a trade with the same (tradeId, orderId) exists.
func (p *Position) HasTrade(tradeID, orderID string) bool {
	for _, t := range p.Trades {
		if t.ID == tradeID && t.OrderID == orderID {
			return true
		}
	}
	return false
}

// AppendTrades appends trades not already present and returns how many were added.
func (p *Position) AppendTrades(trades ...Trade) int {
	added := 0
	for _, t := range trades {
		if p.HasTrade(t.ID, t.OrderID) {
			continue
		}
		p.Trades = append(p.Trades, t)
		added++
	}
	return added
}

// Close marks the position closed with the given status.
func (p *Position) Close(status Status, at time.Time) {
	p.Closed = true
	p.Status = status
	p.ClosedAt = &at
	p.Updating = false
}

// Note appends an operator-facing annotation.
func (p *Position) Note(msg string) {
	p.Notes = append(p.Notes, msg)
}

// LockConsistent reports whether the lock fields agree with each other.
func (p *Position) LockConsistent() bool {
	if !p.Locked {
		return true
	}
	return p.LockedBy != "" && p.LockID != ""
}

// Targets returns every target collection keyed by its kind.
func (p *Position) Targets() map[TargetKind][]*Target {
	return map[TargetKind][]*Target{
		TargetTakeProfit: p.TakeProfitTargets,
		TargetReBuy:      p.ReBuyTargets,
		TargetReduce:     p.ReduceOrders,
	}
}

// TargetForOrder finds the target that placed orderID.
func (p *Position) TargetForOrder(orderID string) (*Target, TargetKind, bool) {
	if orderID == "" {
		return nil, "", false
	}
	for _, kind := range []TargetKind{TargetTakeProfit, TargetReBuy, TargetReduce} {
		for _, t := range p.Targets()[kind] {
			if t.OrderID == orderID {
				return t, kind, true
			}
		}
	}
	return nil, "", false
}

// PendingOrders returns orders that are not done, optionally restricted to types.
func (p *Position) PendingOrders(types ...OrderType) []*Order {
	var out []*Order
	for _, o := range p.Orders {
		if o.Done {
			continue
		}
		if len(types) > 0 && !o.Type.In(types...) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// NormalizeRatios mirrors every stored ratio once when RatiosSide disagrees
// with Side, then records Side as the ratios' side. It reports whether a
// mirror was applied.
func (p *Position) NormalizeRatios() bool {
	if p.RatiosSide == "" || p.RatiosSide == p.Side {
		p.RatiosSide = p.Side
		return false
	}
	for _, set := range [][]*Target{p.TakeProfitTargets, p.ReBuyTargets, p.ReduceOrders} {
		for _, t := range set {
			t.PriceFactor = MirrorRatio(t.PriceFactor)
		}
	}
	p.StopLossPercentage = MirrorRatio(p.StopLossPercentage)
	p.TrailingStopTriggerPercentage = MirrorRatio(p.TrailingStopTriggerPercentage)
	p.TrailingStopPercentage = MirrorRatio(p.TrailingStopPercentage)
	p.RatiosSide = p.Side
	return true
}
