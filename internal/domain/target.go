package domain

import "github.com/shopspring/decimal"

// TargetKind names one of the three target collections.
type TargetKind string

const (
	TargetTakeProfit TargetKind = "takeProfit"
	TargetReBuy      TargetKind = "reBuy"
	TargetReduce     TargetKind = "reduce"
)

// PricePriority decides whether a target triggers by ratio or absolute price.
type PricePriority string

const (
	PriorityPercentage PricePriority = "percentage"
	PriorityPrice      PricePriority = "price"
)

// Target is a scheduled take-profit, DCA or reduce step.
type Target struct {
	ID int `json:"targetId"`
	// PriceFactor is a ratio around entry: > 1 above, < 1 below.
	PriceFactor decimal.Decimal `json:"priceTargetPercentage"`
	Price       decimal.Decimal `json:"priceTarget"`
	Priority    PricePriority   `json:"pricePriority"`
	// AmountFactor is the fraction of the position this target trades.
	AmountFactor decimal.Decimal `json:"amountPercentage"`

	OrderID    string `json:"orderId,omitempty"`
	Done       bool   `json:"done"`
	Skipped    bool   `json:"skipped"`
	Cancel     bool   `json:"cancel"`
	Expired    bool   `json:"expired"`
	Persistent bool   `json:"recurring,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Pending reports whether the target may still be placed or filled.
func (t *Target) Pending() bool {
	return !t.Done && !t.Skipped && !t.Cancel
}

// TriggerPrice resolves the target's price against an entry price.
func (t *Target) TriggerPrice(entry decimal.Decimal) decimal.Decimal {
	if t.Priority == PriorityPrice && t.Price.IsPositive() {
		return t.Price
	}
	if t.PriceFactor.IsZero() {
		return t.Price
	}
	return entry.Mul(t.PriceFactor)
}

// MirrorRatio reflects a ratio around 1.0. Applying it twice is the identity.
func MirrorRatio(r decimal.Decimal) decimal.Decimal {
	if r.IsZero() {
		return r
	}
	return decimal.NewFromInt(2).Sub(r)
}
