package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the role an order plays in the position lifecycle.
type OrderType string

const (
	OrderEntry      OrderType = "entry"
	OrderBuy        OrderType = "buy" // DCA re-entry
	OrderTakeProfit OrderType = "takeProfit"
	OrderStopLoss   OrderType = "stopLoss"
	OrderExit       OrderType = "exit"
)

// In reports whether t is one of types.
func (t OrderType) In(types ...OrderType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// IsEntry reports whether the order adds exposure.
func (t OrderType) IsEntry() bool { return t == OrderEntry || t == OrderBuy }

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusClosed          OrderStatus = "closed"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// Order is one exchange order tied to a position.
type Order struct {
	ID     string          `json:"orderId"`
	Type   OrderType       `json:"type"`
	Status OrderStatus     `json:"status"`
	IsBuy  bool            `json:"isBuy"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Cost   decimal.Decimal `json:"cost"`
	Filled decimal.Decimal `json:"filled"`
	Done   bool            `json:"done"`

	// Liquidation marks a forced exit inserted from the exchange.
	Liquidation bool `json:"liquidation,omitempty"`
	// Side of a MULTI candidate leg.
	Side Side `json:"side,omitempty"`

	CancelAttempts  int        `json:"cancelAttempts,omitempty"`
	LastCancelError string     `json:"lastCancelError,omitempty"`
	PlacedAt        time.Time  `json:"placedAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// Resolve marks the order terminal.
func (o *Order) Resolve(status OrderStatus, at time.Time) {
	o.Status = status
	o.Done = true
	o.ResolvedAt = &at
}

// Pending reports whether the order still counts toward locked balance.
func (o *Order) Pending() bool {
	return !o.Done && o.Status != OrderStatusCanceled && o.Status != OrderStatusExpired
}

// ExchangeOrder is the exchange's view of an order.
type ExchangeOrder struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Status    OrderStatus     `json:"status"`
	IsBuy     bool            `json:"isBuy"`
	Price     decimal.Decimal `json:"price"`
	Average   decimal.Decimal `json:"average"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Cost      decimal.Decimal `json:"cost"`
	Timestamp time.Time       `json:"timestamp"`
}
