package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Connection identifies one user's exchange account.
type Connection struct {
	UserID             string       `json:"userId"`
	ExchangeInternalID string       `json:"exchangeInternalId"`
	ExchangeName       string       `json:"exchange"`
	ExchangeType       ExchangeType `json:"exchangeType"`
}

// ExchangeHandler is the pair-specific cost model. Linear and inverse
// contract arithmetic lives behind it.
type ExchangeHandler interface {
	CalculateOrderCost(symbol string, qty, price decimal.Decimal) decimal.Decimal
	CalculatePositionSize(symbol string, qty, price decimal.Decimal) decimal.Decimal
	CalculateRealInvestmentFromPositionSize(symbol string, size decimal.Decimal) decimal.Decimal
	CalculateGrossProfit(symbol string, isShort bool, entryAvg, exitAvg, entryQty, exitQty decimal.Decimal) decimal.Decimal
	CalculateCurrentGrossProfit(symbol string, isShort bool, entryAvg, currentPrice, qty decimal.Decimal) decimal.Decimal
	CalculateAmountFromPositionSize(symbol string, size, price decimal.Decimal) decimal.Decimal
	CalculateFundingFeeForExchangeIncome(symbol string, income Income) decimal.Decimal
	DefaultMarginMode() string
}

// LimitKind selects one of the exchange precision filters.
type LimitKind string

const (
	LimitPrice  LimitKind = "price"
	LimitAmount LimitKind = "amount"
	LimitCost   LimitKind = "cost"
)

// Range is an inclusive min/max bound. Zero bounds are unset.
type Range struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// MarketLimits are the exchange's filters for one market.
type MarketLimits struct {
	Price  Range `json:"price"`
	Amount Range `json:"amount"`
	Cost   Range `json:"cost"`
}

// Within reports whether v satisfies the min and max of kind.
func (l MarketLimits) Within(kind LimitKind, v decimal.Decimal) bool {
	var r Range
	switch kind {
	case LimitPrice:
		r = l.Price
	case LimitAmount:
		r = l.Amount
	case LimitCost:
		r = l.Cost
	default:
		return true
	}
	if r.Min.IsPositive() && v.LessThan(r.Min) {
		return false
	}
	if r.Max.IsPositive() && v.GreaterThan(r.Max) {
		return false
	}
	return true
}

// Market is exchange market metadata.
type Market struct {
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	Inverse        bool            `json:"inverse"`
	ContractSize   decimal.Decimal `json:"contractSize"`
	Delisted       bool            `json:"delisted"`
	QuoteVolume24h decimal.Decimal `json:"quoteVolume24h"`
	Limits         MarketLimits    `json:"limits"`
}

// Contract is a live derivatives position as the exchange reports it.
type Contract struct {
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// ExchangeCalls are the blocking network operations against an exchange.
type ExchangeCalls interface {
	CancelOrder(ctx context.Context, conn Connection, symbol, orderID string) (ExchangeOrder, error)
	FetchOrder(ctx context.Context, conn Connection, symbol, orderID string) (ExchangeOrder, error)
	FetchOrderTrades(ctx context.Context, conn Connection, symbol, orderID string) ([]Trade, error)
	FetchForcedOrders(ctx context.Context, conn Connection, symbol string, since time.Time) ([]ExchangeOrder, error)
	FetchOpenContracts(ctx context.Context, conn Connection) ([]Contract, error)
	FetchFundingIncome(ctx context.Context, conn Connection, symbol string, since time.Time) ([]Income, error)
}

// MarketCatalog resolves market metadata.
type MarketCatalog interface {
	Market(ctx context.Context, exchange, symbol string) (Market, error)
}

// HandlerSource hands out the cost model of an exchange once the contract
// terms of symbol are known. Implementations load unknown markets first.
type HandlerSource interface {
	Handler(ctx context.Context, exchange, symbol string) (ExchangeHandler, error)
}
