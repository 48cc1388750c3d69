package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one fill. Trades are immutable once inserted, except the
// quantity of a fake MULTI contra-leg trade.
type Trade struct {
	ID              string          `json:"tradeId"`
	OrderID         string          `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Cost            decimal.Decimal `json:"cost"`
	IsBuyer         bool            `json:"isBuyer"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Timestamp       time.Time       `json:"timestamp"`
	Fake            bool            `json:"fake,omitempty"`
}

// Income is an exchange account ledger entry such as a funding payment.
type Income struct {
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// IncomeFunding is the income type for funding fee payments.
const IncomeFunding = "FUNDING_FEE"
