package gateway

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

var one = decimal.NewFromInt(1)

type contractSpec struct {
	inverse bool
	size    decimal.Decimal
}

func specKey(exchange, symbol string) string {
	return exchange + "|" + symbol
}

// CostModel holds the contract terms of every market seen so far. Symbols
// are linear with a contract size of one unless a registered market says
// otherwise. Inverse contracts are quoted in a fixed quote value per
// contract and settle in base.
type CostModel struct {
	marginMode string

	mu    sync.RWMutex
	specs map[string]contractSpec
}

// NewCostModel creates a CostModel. marginMode defaults to "isolated".
func NewCostModel(marginMode string) *CostModel {
	if marginMode == "" {
		marginMode = "isolated"
	}
	return &CostModel{marginMode: marginMode, specs: make(map[string]contractSpec)}
}

// Register records the contract terms of m under its exchange and symbol.
func (c *CostModel) Register(m domain.Market) {
	size := m.ContractSize
	if !size.IsPositive() {
		size = one
	}
	c.mu.Lock()
	c.specs[specKey(m.Exchange, m.Symbol)] = contractSpec{inverse: m.Inverse, size: size}
	c.mu.Unlock()
}

// Known reports whether the terms of symbol on exchange were registered.
func (c *CostModel) Known(exchange, symbol string) bool {
	c.mu.RLock()
	_, ok := c.specs[specKey(exchange, symbol)]
	c.mu.RUnlock()
	return ok
}

// For returns the cost model of one exchange.
func (c *CostModel) For(exchange string) *ExchangeCosts {
	return &ExchangeCosts{model: c, exchange: exchange}
}

// ExchangeCosts implements domain.ExchangeHandler for the markets of one
// exchange.
type ExchangeCosts struct {
	model    *CostModel
	exchange string
}

func (c *ExchangeCosts) spec(symbol string) contractSpec {
	c.model.mu.RLock()
	s, ok := c.model.specs[specKey(c.exchange, symbol)]
	c.model.mu.RUnlock()
	if !ok {
		return contractSpec{size: one}
	}
	return s
}

// CalculateOrderCost is the notional of qty at price.
func (c *ExchangeCosts) CalculateOrderCost(symbol string, qty, price decimal.Decimal) decimal.Decimal {
	s := c.spec(symbol)
	if s.inverse {
		if price.IsZero() {
			return decimal.Zero
		}
		return qty.Mul(s.size).Div(price)
	}
	return qty.Mul(price).Mul(s.size)
}

// CalculatePositionSize equals the order cost of the held quantity.
func (c *ExchangeCosts) CalculatePositionSize(symbol string, qty, price decimal.Decimal) decimal.Decimal {
	return c.CalculateOrderCost(symbol, qty, price)
}

// CalculateRealInvestmentFromPositionSize is the unleveraged investment.
func (c *ExchangeCosts) CalculateRealInvestmentFromPositionSize(_ string, size decimal.Decimal) decimal.Decimal {
	return size
}

// CalculateGrossProfit values the matched quantity between entries and exits.
func (c *ExchangeCosts) CalculateGrossProfit(symbol string, isShort bool, entryAvg, exitAvg, entryQty, exitQty decimal.Decimal) decimal.Decimal {
	return c.profit(symbol, isShort, entryAvg, exitAvg, decimal.Min(entryQty, exitQty))
}

// CalculateCurrentGrossProfit values qty at the current price.
func (c *ExchangeCosts) CalculateCurrentGrossProfit(symbol string, isShort bool, entryAvg, currentPrice, qty decimal.Decimal) decimal.Decimal {
	return c.profit(symbol, isShort, entryAvg, currentPrice, qty)
}

func (c *ExchangeCosts) profit(symbol string, isShort bool, entry, exit, qty decimal.Decimal) decimal.Decimal {
	s := c.spec(symbol)
	var p decimal.Decimal
	if s.inverse {
		if entry.IsZero() || exit.IsZero() {
			return decimal.Zero
		}
		p = qty.Mul(s.size).Mul(one.Div(entry).Sub(one.Div(exit)))
	} else {
		p = exit.Sub(entry).Mul(qty).Mul(s.size)
	}
	if isShort {
		return p.Neg()
	}
	return p
}

// CalculateAmountFromPositionSize inverts CalculatePositionSize.
func (c *ExchangeCosts) CalculateAmountFromPositionSize(symbol string, size, price decimal.Decimal) decimal.Decimal {
	s := c.spec(symbol)
	if s.inverse {
		return size.Mul(price).Div(s.size)
	}
	if price.IsZero() {
		return decimal.Zero
	}
	return size.Div(price.Mul(s.size))
}

// CalculateFundingFeeForExchangeIncome returns the income amount as
// reported, negative when paid.
func (c *ExchangeCosts) CalculateFundingFeeForExchangeIncome(_ string, income domain.Income) decimal.Decimal {
	if income.Type != "" && income.Type != domain.IncomeFunding {
		return decimal.Zero
	}
	return income.Amount
}

// DefaultMarginMode returns the configured margin mode.
func (c *ExchangeCosts) DefaultMarginMode() string {
	return c.model.marginMode
}

// Compile-time interface check.
var _ domain.ExchangeHandler = (*ExchangeCosts)(nil)
