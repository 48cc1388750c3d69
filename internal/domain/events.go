package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderEventKind is the exchange-side change that triggered reconciliation.
type OrderEventKind string

const (
	EventFilled   OrderEventKind = "filled"
	EventCanceled OrderEventKind = "canceled"
	EventExpired  OrderEventKind = "expired"
	// EventCancelRequest asks the engine to cancel the order itself.
	EventCancelRequest OrderEventKind = "cancel_request"
	EventForced        OrderEventKind = "forced"
)

// OrderEvent is one message on the order-events stream.
type OrderEvent struct {
	ID         string         `json:"id"`
	PositionID string         `json:"positionId"`
	OrderID    string         `json:"orderId"`
	Kind       OrderEventKind `json:"kind"`
	// ExitTrigger classifies exits for closing status selection.
	ExitTrigger ExitTrigger `json:"exitTrigger,omitempty"`
	Trades      []Trade     `json:"trades,omitempty"`
	At          time.Time   `json:"at"`
}

// ExitTrigger is what caused an exit order.
type ExitTrigger string

const (
	TriggerTakeProfit  ExitTrigger = "takeProfit"
	TriggerStopLoss    ExitTrigger = "stopLoss"
	TriggerTrailing    ExitTrigger = "trailingStop"
	TriggerManual      ExitTrigger = "manual"
	TriggerReduce      ExitTrigger = "reduce"
	TriggerLiquidation ExitTrigger = "liquidation"
)

// PositionEvent is published on every persisted lifecycle transition.
type PositionEvent struct {
	PositionID   string          `json:"positionId"`
	UserID       string          `json:"userId"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Status       Status          `json:"status"`
	StatusText   string          `json:"statusText"`
	Closed       bool            `json:"closed"`
	RemainAmount decimal.Decimal `json:"remainAmount"`
	At           time.Time       `json:"at"`
}

// PnL is a mark-to-market snapshot of a position.
type PnL struct {
	Unrealized    decimal.Decimal `json:"unrealized"`
	UnrealizedPct decimal.Decimal `json:"unrealizedPct"`
	Realized      decimal.Decimal `json:"realized"`
	RealizedPct   decimal.Decimal `json:"realizedPct"`
	PriceDiffPct  decimal.Decimal `json:"priceDiffPct"`
	// LockedAmount is the unfilled amount of pending orders.
	LockedAmount decimal.Decimal `json:"lockedAmount"`
	// LockedInvestment is the margin held by pending entry orders.
	LockedInvestment decimal.Decimal `json:"lockedInvestment"`
}

// Alert events raised for human attention.
const (
	AlertCredentialsInvalid  = "credentials_invalid"
	AlertPositionLiquidated  = "position_liquidated"
	AlertLiquidationMismatch = "liquidation_mismatch"
	AlertUnknownOrderStatus  = "unknown_order_status"
	AlertCancelFailed        = "cancel_failed"
)

// Alert is a notification request produced while reconciling a position.
type Alert struct {
	Event      string `json:"event"`
	PositionID string `json:"positionId"`
	Title      string `json:"title"`
	Message    string `json:"message"`
}
