package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Draft is a composed position candidate awaiting admission.
type Draft struct {
	Position *Position        `json:"position"`
	Signal   SignalContext    `json:"signal"`
	Exchange *ExchangeAccount `json:"exchange,omitempty"`
	User     UserSettings     `json:"user"`
	Provider ProviderSettings `json:"provider"`
}

// SignalContext carries the fields of the originating signal relevant to admission.
type SignalContext struct {
	ID                 string          `json:"id"`
	ProviderID         string          `json:"providerId"`
	Exchange           string          `json:"exchange"`
	ExchangeType       ExchangeType    `json:"exchangeType"`
	PositionSizeQuote  string          `json:"positionSizeQuote"`
	Price              decimal.Decimal `json:"price"`
	AllowReuseSignalID bool            `json:"allowReuseSignalId"`
	ReceivedAt         time.Time       `json:"receivedAt"`
}

// ExchangeAccount is the user's configured connection. Nil means not configured.
type ExchangeAccount struct {
	Connection
	KeysValid bool `json:"keysValid"`
}

// UserSettings are the per-user admission preferences.
type UserSettings struct {
	AllowLong              bool     `json:"allowLong"`
	AllowShort             bool     `json:"allowShort"`
	EnabledQuotes          []string `json:"enabledQuotes"`
	Blacklist              []string `json:"blacklist"`
	Whitelist              []string `json:"whitelist"`
	MaxConcurrentPositions int      `json:"maxConcurrentPositions"`
	MaxPositionsPerMarket  int      `json:"maxPositionsPerMarket"`
}

// ProviderSettings are the signal provider's settings for this user.
type ProviderSettings struct {
	ID                     string          `json:"id"`
	Quote                  string          `json:"quote"`
	AllocatedBalance       decimal.Decimal `json:"allocatedBalance"`
	MaxConcurrentPositions int             `json:"maxConcurrentPositions"`
	MinVolume24h           decimal.Decimal `json:"minVolume24h"`
	// ReuseClosedSignalID allows a signal id already used by a closed position.
	ReuseClosedSignalID bool `json:"reuseClosedSignalId"`
}
