package domain

import "strconv"

// Status is the persisted reason code of a position's current state.
// Codes are stored verbatim and must never be renumbered.
type Status int

const (
	StatusCreated                   Status = 0
	StatusEntryPlaced               Status = 1
	StatusExchangeNotConfigured     Status = 2
	StatusSideNotAllowed            Status = 3
	StatusQuoteDisabled             Status = 4
	StatusExchangeMismatch          Status = 5
	StatusExchangeTypeMismatch      Status = 6
	StatusPositionSizeQuoteMismatch Status = 7
	StatusAllocatedBalanceExceeded  Status = 8
	StatusEntryFilled               Status = 9
	StatusEntryCanceled             Status = 11
	StatusEntryExpired              Status = 12
	StatusTakeProfitExhausted       Status = 15
	StatusStopLoss                  Status = 16
	StatusTrailingStop              Status = 17
	StatusManualExit                Status = 18
	StatusExitFilled                Status = 19
	StatusMarketBlacklisted         Status = 20
	StatusGlobalBlacklisted         Status = 21
	StatusNotWhitelisted            Status = 22
	StatusNotGlobalWhitelisted      Status = 23
	StatusInsufficientBalance       Status = 24
	StatusCoinDelisted              Status = 25
	StatusPriceBelowMin             Status = 26
	StatusAmountBelowMin            Status = 27
	StatusCostBelowMin              Status = 28
	StatusBuyTTLExpired             Status = 29
	StatusStopLossPriceBelowMin     Status = 30
	StatusTakeProfitPriceBelowMin   Status = 31
	StatusInvalidKeys               Status = 32
	StatusDuplicateSignalOpen       Status = 33
	StatusDuplicateSignalClosed     Status = 34
	StatusProviderConcurrentLimit   Status = 35
	StatusGlobalConcurrentLimit     Status = 36
	StatusMarketConcurrentLimit     Status = 37
	StatusVolumeBelowFloor          Status = 38
	StatusContractSideCollision     Status = 39
	StatusDustClosed                Status = 40
	StatusReduceExhausted           Status = 41
	StatusCancelFailed              Status = 42
	StatusAdmissionError            Status = 43
	StatusDuplicateFuturesPosition  Status = 83
	StatusLiquidated                Status = 101
)

var statusText = map[Status]string{
	StatusCreated:                   "created",
	StatusEntryPlaced:               "entry order placed",
	StatusExchangeNotConfigured:     "exchange not configured",
	StatusSideNotAllowed:            "side not allowed by user settings",
	StatusQuoteDisabled:             "quote currency disabled",
	StatusExchangeMismatch:          "signal exchange does not match connection",
	StatusExchangeTypeMismatch:      "signal exchange type does not match connection",
	StatusPositionSizeQuoteMismatch: "position size quote does not match provider quote",
	StatusAllocatedBalanceExceeded:  "allocated balance exceeded",
	StatusEntryFilled:               "entry filled",
	StatusEntryCanceled:             "entry canceled",
	StatusEntryExpired:              "entry expired",
	StatusTakeProfitExhausted:       "take profit targets exhausted",
	StatusStopLoss:                  "stop loss",
	StatusTrailingStop:              "trailing stop",
	StatusManualExit:                "manual exit",
	StatusExitFilled:                "exit filled",
	StatusMarketBlacklisted:         "market blacklisted",
	StatusGlobalBlacklisted:         "market globally blacklisted",
	StatusNotWhitelisted:            "market not whitelisted",
	StatusNotGlobalWhitelisted:      "market not in global whitelist",
	StatusInsufficientBalance:       "insufficient balance",
	StatusCoinDelisted:              "coin delisted",
	StatusPriceBelowMin:             "price outside exchange limits",
	StatusAmountBelowMin:            "amount outside exchange limits",
	StatusCostBelowMin:              "cost outside exchange limits",
	StatusBuyTTLExpired:             "buy ttl expired",
	StatusStopLossPriceBelowMin:     "stop loss price outside exchange limits",
	StatusTakeProfitPriceBelowMin:   "take profit price outside exchange limits",
	StatusInvalidKeys:               "invalid exchange keys",
	StatusDuplicateSignalOpen:       "duplicate signal id on open position",
	StatusDuplicateSignalClosed:     "duplicate signal id on closed position",
	StatusProviderConcurrentLimit:   "provider concurrent positions limit",
	StatusGlobalConcurrentLimit:     "global concurrent positions limit",
	StatusMarketConcurrentLimit:     "market concurrent positions limit",
	StatusVolumeBelowFloor:          "24h volume below floor",
	StatusContractSideCollision:     "open contract on opposite side",
	StatusDustClosed:                "remaining amount below exchange minimum",
	StatusReduceExhausted:           "reduce orders exhausted",
	StatusCancelFailed:              "order cancellation failed",
	StatusAdmissionError:            "admission check error",
	StatusDuplicateFuturesPosition:  "duplicate open futures position",
	StatusLiquidated:                "liquidated",
}

// String returns the human-readable reason.
func (s Status) String() string {
	if txt, ok := statusText[s]; ok {
		return txt
	}
	return "unknown status " + strconv.Itoa(int(s))
}

// Known reports whether s is a registered code.
func (s Status) Known() bool {
	_, ok := statusText[s]
	return ok
}
