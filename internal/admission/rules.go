package admission

import (
	"context"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
)

// standardRules is the fixed evaluation order. Reordering changes which
// status a draft failing several rules reports.
func (c *Controller) standardRules() []Rule {
	return []Rule{
		{"exchange_configured", domain.StatusExchangeNotConfigured, checkExchangeConfigured},
		{"exchange_keys_valid", domain.StatusInvalidKeys, checkKeysValid},
		{"side_allowed", domain.StatusSideNotAllowed, checkSideAllowed},
		{"quote_enabled", domain.StatusQuoteDisabled, checkQuoteEnabled},
		{"exchange_match", domain.StatusExchangeMismatch, checkExchangeMatch},
		{"exchange_type_match", domain.StatusExchangeTypeMismatch, checkExchangeTypeMatch},
		{"no_open_futures_position", domain.StatusDuplicateFuturesPosition, checkNoOpenFuturesPosition},
		{"position_size_quote", domain.StatusPositionSizeQuoteMismatch, checkPositionSizeQuote},
		{"allocated_balance", domain.StatusAllocatedBalanceExceeded, checkAllocatedBalance},
		{"not_blacklisted", domain.StatusMarketBlacklisted, checkNotBlacklisted},
		{"not_global_blacklisted", domain.StatusGlobalBlacklisted, checkNotGlobalBlacklisted},
		{"whitelisted", domain.StatusNotWhitelisted, checkWhitelisted},
		{"global_whitelisted", domain.StatusNotGlobalWhitelisted, checkGlobalWhitelisted},
		{"not_delisted", domain.StatusCoinDelisted, checkNotDelisted},
		{"price_limits", domain.StatusPriceBelowMin, checkPriceLimits},
		{"amount_limits", domain.StatusAmountBelowMin, checkAmountLimits},
		{"cost_limits", domain.StatusCostBelowMin, checkCostLimits},
		{"buy_ttl", domain.StatusBuyTTLExpired, checkBuyTTL},
		{"stop_loss_limits", domain.StatusStopLossPriceBelowMin, checkStopLossLimits},
		{"take_profit_limits", domain.StatusTakeProfitPriceBelowMin, checkTakeProfitLimits},
		{"unique_signal_open", domain.StatusDuplicateSignalOpen, checkUniqueSignalOpen},
		{"unique_signal_closed", domain.StatusDuplicateSignalClosed, checkUniqueSignalClosed},
		{"provider_concurrent", domain.StatusProviderConcurrentLimit, checkProviderConcurrent},
		{"global_concurrent", domain.StatusGlobalConcurrentLimit, checkGlobalConcurrent},
		{"market_concurrent", domain.StatusMarketConcurrentLimit, checkMarketConcurrent},
		{"volume_floor", domain.StatusVolumeBelowFloor, checkVolumeFloor},
		{"contract_side", domain.StatusContractSideCollision, checkContractSide},
	}
}

func checkExchangeConfigured(_ context.Context, ev *evaluation) (bool, error) {
	return ev.draft.Exchange != nil, nil
}

func checkKeysValid(_ context.Context, ev *evaluation) (bool, error) {
	return ev.draft.Exchange.KeysValid, nil
}

func checkSideAllowed(_ context.Context, ev *evaluation) (bool, error) {
	if ev.pos.Side.IsShort() {
		return ev.draft.User.AllowShort, nil
	}
	return ev.draft.User.AllowLong, nil
}

func checkQuoteEnabled(_ context.Context, ev *evaluation) (bool, error) {
	quotes := ev.draft.User.EnabledQuotes
	return len(quotes) == 0 || containsFold(quotes, ev.pos.Quote), nil
}

func checkExchangeMatch(_ context.Context, ev *evaluation) (bool, error) {
	want := ev.draft.Signal.Exchange
	return want == "" || strings.EqualFold(want, ev.draft.Exchange.ExchangeName), nil
}

func checkExchangeTypeMatch(_ context.Context, ev *evaluation) (bool, error) {
	want := ev.draft.Signal.ExchangeType
	return want == "" || want == ev.draft.Exchange.ExchangeType, nil
}

func checkNoOpenFuturesPosition(ctx context.Context, ev *evaluation) (bool, error) {
	if !ev.pos.IsFutures() {
		return true, nil
	}
	n, err := ev.c.positions.Count(ctx, domain.PositionFilter{
		UserID:             domain.Ref(ev.pos.UserID),
		ExchangeInternalID: domain.Ref(ev.pos.ExchangeInternalID),
		Symbol:             domain.Ref(ev.pos.Symbol),
		Side:               domain.Ref(ev.pos.Side),
		Closed:             domain.Ref(false),
		ExcludeID:          domain.Ref(ev.pos.ID),
	})
	return n == 0, err
}

func checkPositionSizeQuote(_ context.Context, ev *evaluation) (bool, error) {
	want := ev.draft.Signal.PositionSizeQuote
	if want == "" {
		want = ev.draft.Provider.Quote
	}
	return want == "" || strings.EqualFold(want, ev.pos.Quote), nil
}

func checkAllocatedBalance(ctx context.Context, ev *evaluation) (bool, error) {
	allocated := ev.draft.Provider.AllocatedBalance
	if !ev.pos.CopyTrading || !allocated.IsPositive() {
		return true, nil
	}
	filter := domain.PositionFilter{
		UserID:     domain.Ref(ev.pos.UserID),
		ProviderID: domain.Ref(ev.pos.ProviderID),
		Closed:     domain.Ref(false),
		ExcludeID:  domain.Ref(ev.pos.ID),
	}
	consumed, err := ev.c.positions.SumOpenInvestment(ctx, filter)
	if err != nil {
		return false, err
	}
	// Margin of entry orders still resting on the exchange is spent too.
	open, err := ev.c.positions.Find(ctx, filter)
	if err != nil {
		return false, err
	}
	for _, p := range open {
		h, err := ev.c.handlers.Handler(ctx, p.ExchangeName, p.Symbol)
		if err != nil {
			return false, err
		}
		consumed = consumed.Add(accounting.LockedInvestmentFromEntries(h, p))
	}
	requested := ev.pos.PositionSize.Div(ev.pos.EffectiveLeverage())
	return requested.Add(consumed).LessThanOrEqual(allocated), nil
}

func checkNotBlacklisted(_ context.Context, ev *evaluation) (bool, error) {
	return !containsFold(ev.draft.User.Blacklist, ev.pos.Symbol), nil
}

func checkNotGlobalBlacklisted(_ context.Context, ev *evaluation) (bool, error) {
	return !containsFold(ev.c.cfg.GlobalBlacklist, ev.pos.Symbol), nil
}

func checkWhitelisted(_ context.Context, ev *evaluation) (bool, error) {
	list := ev.draft.User.Whitelist
	return len(list) == 0 || containsFold(list, ev.pos.Symbol), nil
}

func checkGlobalWhitelisted(_ context.Context, ev *evaluation) (bool, error) {
	list := ev.c.cfg.GlobalWhitelist
	return len(list) == 0 || containsFold(list, ev.pos.Symbol), nil
}

func checkNotDelisted(ctx context.Context, ev *evaluation) (bool, error) {
	m, err := ev.Market(ctx)
	if err != nil {
		return false, err
	}
	return !m.Delisted, nil
}

func checkPriceLimits(ctx context.Context, ev *evaluation) (bool, error) {
	return ev.within(ctx, domain.LimitPrice, ev.pos.EntryPrice)
}

func checkAmountLimits(ctx context.Context, ev *evaluation) (bool, error) {
	return ev.within(ctx, domain.LimitAmount, ev.pos.Amount)
}

func checkCostLimits(ctx context.Context, ev *evaluation) (bool, error) {
	h, err := ev.Costs(ctx)
	if err != nil {
		return false, err
	}
	cost := h.CalculateOrderCost(ev.pos.Symbol, ev.pos.Amount, ev.pos.EntryPrice)
	return ev.within(ctx, domain.LimitCost, cost)
}

func checkBuyTTL(_ context.Context, ev *evaluation) (bool, error) {
	ttl := ev.pos.BuyTTL
	received := ev.draft.Signal.ReceivedAt
	if ttl <= 0 || received.IsZero() {
		return true, nil
	}
	return ev.c.now().Sub(received) <= ttl, nil
}

func checkStopLossLimits(ctx context.Context, ev *evaluation) (bool, error) {
	price := ev.pos.StopLossPrice
	if price.IsZero() && ev.pos.StopLossPercentage.IsPositive() {
		price = ev.pos.EntryPrice.Mul(ev.pos.StopLossPercentage)
	}
	if price.IsZero() {
		return true, nil
	}
	return ev.within(ctx, domain.LimitPrice, price)
}

func checkTakeProfitLimits(ctx context.Context, ev *evaluation) (bool, error) {
	h, err := ev.Costs(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range ev.pos.TakeProfitTargets {
		price := t.TriggerPrice(ev.pos.EntryPrice)
		if price.IsZero() {
			continue
		}
		ok, err := ev.within(ctx, domain.LimitPrice, price)
		if err != nil || !ok {
			return ok, err
		}
		amount := ev.pos.Amount.Mul(t.AmountFactor)
		cost := h.CalculateOrderCost(ev.pos.Symbol, amount, price)
		if ok, err := ev.within(ctx, domain.LimitCost, cost); err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func checkUniqueSignalOpen(ctx context.Context, ev *evaluation) (bool, error) {
	return ev.signalUnused(ctx, false)
}

func checkUniqueSignalClosed(ctx context.Context, ev *evaluation) (bool, error) {
	if ev.draft.Signal.AllowReuseSignalID || ev.draft.Provider.ReuseClosedSignalID {
		return true, nil
	}
	return ev.signalUnused(ctx, true)
}

func checkProviderConcurrent(ctx context.Context, ev *evaluation) (bool, error) {
	if ev.pos.ProviderID == "" {
		return true, nil
	}
	return ev.c.below(ctx, ev.draft.Provider.MaxConcurrentPositions, domain.PositionFilter{
		UserID:     domain.Ref(ev.pos.UserID),
		ProviderID: domain.Ref(ev.pos.ProviderID),
		Closed:     domain.Ref(false),
		ExcludeID:  domain.Ref(ev.pos.ID),
	})
}

func checkGlobalConcurrent(ctx context.Context, ev *evaluation) (bool, error) {
	limit := ev.draft.User.MaxConcurrentPositions
	if limit <= 0 {
		limit = ev.c.cfg.GlobalMaxConcurrent
	}
	return ev.c.below(ctx, limit, domain.PositionFilter{
		UserID:             domain.Ref(ev.pos.UserID),
		ExchangeInternalID: domain.Ref(ev.pos.ExchangeInternalID),
		Closed:             domain.Ref(false),
		ExcludeID:          domain.Ref(ev.pos.ID),
	})
}

func checkMarketConcurrent(ctx context.Context, ev *evaluation) (bool, error) {
	return ev.c.below(ctx, ev.draft.User.MaxPositionsPerMarket, domain.PositionFilter{
		UserID:             domain.Ref(ev.pos.UserID),
		ExchangeInternalID: domain.Ref(ev.pos.ExchangeInternalID),
		Symbol:             domain.Ref(ev.pos.Symbol),
		Closed:             domain.Ref(false),
		ExcludeID:          domain.Ref(ev.pos.ID),
	})
}

func checkVolumeFloor(ctx context.Context, ev *evaluation) (bool, error) {
	floor := ev.draft.Provider.MinVolume24h
	if !floor.IsPositive() {
		return true, nil
	}
	m, err := ev.Market(ctx)
	if err != nil {
		return false, err
	}
	return m.QuoteVolume24h.GreaterThanOrEqual(floor), nil
}

func checkContractSide(ctx context.Context, ev *evaluation) (bool, error) {
	if !ev.pos.IsFutures() {
		return true, nil
	}
	contracts, err := ev.c.exchange.FetchOpenContracts(ctx, ev.pos.Connection())
	if err != nil {
		return false, err
	}
	for _, ct := range contracts {
		if strings.EqualFold(ct.Symbol, ev.pos.Symbol) && ct.Side != ev.pos.Side && ct.Amount.IsPositive() {
			return false, nil
		}
	}
	return true, nil
}

func (ev *evaluation) within(ctx context.Context, kind domain.LimitKind, v decimal.Decimal) (bool, error) {
	if v.IsZero() {
		return true, nil
	}
	m, err := ev.Market(ctx)
	if err != nil {
		return false, err
	}
	return m.Limits.Within(kind, v), nil
}

func (ev *evaluation) signalUnused(ctx context.Context, closed bool) (bool, error) {
	if ev.pos.SignalID == "" {
		return true, nil
	}
	n, err := ev.c.positions.Count(ctx, domain.PositionFilter{
		UserID:     domain.Ref(ev.pos.UserID),
		ProviderID: domain.Ref(ev.pos.ProviderID),
		SignalID:   domain.Ref(ev.pos.SignalID),
		Closed:     domain.Ref(closed),
		ExcludeID:  domain.Ref(ev.pos.ID),
	})
	return n == 0, err
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
