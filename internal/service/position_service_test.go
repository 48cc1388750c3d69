package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/platform/gateway"
	"github.com/alanyoungcy/positionengine/internal/reconcile"
)

type harness struct {
	svc      *PositionService
	store    *memStore
	locks    *fakeLocker
	admit    *fakeAdmitter
	engine   *fakeEngine
	alerts   *recordingAlerter
	bus      *recordingBus
	audit    *recordingAudit
	exchange *fundingExchange
	markets  *stubMarkets
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		locks:    &fakeLocker{},
		admit:    &fakeAdmitter{},
		engine:   &fakeEngine{},
		alerts:   &recordingAlerter{},
		bus:      &recordingBus{},
		audit:    &recordingAudit{},
		exchange: &fundingExchange{},
		markets:  &stubMarkets{inverse: map[string]decimal.Decimal{}},
	}
	catalog := gateway.NewCachedCatalog(h.markets, missCache{}, gateway.NewCostModel(""), discard())
	n := 0
	h.svc = NewPositionService(Deps{
		Positions: h.store,
		Audit:     h.audit,
		Prices:    fixedPrices{price: d("120")},
		Bus:       h.bus,
		Exchange:  h.exchange,
		Handlers:  catalog,
		Locks:     h.locks,
		Admission: h.admit,
		Engine:    h.engine,
		Alerts:    h.alerts,
	}, Config{Process: "filler", Host: "host-a"}, discard(),
		WithClock(func() time.Time { return testNow }),
		WithIDs(func() string { n++; return fmt.Sprintf("id-%d", n) }),
	)
	return h
}

func draft(id string) *domain.Draft {
	return &domain.Draft{
		Position: &domain.Position{
			ID:                 id,
			UserID:             "u1",
			ExchangeInternalID: "x1",
			ExchangeName:       "binance",
			ExchangeType:       domain.ExchangeFutures,
			Symbol:             "BTCUSDT",
			Base:               "BTC",
			Quote:              "USDT",
			Side:               domain.SideLong,
		},
		Signal:   domain.SignalContext{ID: "sig-1", ProviderID: "prov-1"},
		Provider: domain.ProviderSettings{ID: "prov-1", AllocatedBalance: d("1000")},
	}
}

func openPosition(id, user string) *domain.Position {
	return &domain.Position{
		ID:                 id,
		UserID:             user,
		ExchangeInternalID: "x1",
		ExchangeName:       "binance",
		ExchangeType:       domain.ExchangeFutures,
		Symbol:             "BTCUSDT",
		Base:               "BTC",
		Quote:              "USDT",
		Side:               domain.SideLong,
		Status:             domain.StatusEntryFilled,
		BuyPerformed:       true,
		RemainAmount:       d("1"),
		AllocatedBalance:   d("1000"),
		CreatedAt:          testNow.Add(-time.Hour),
	}
}

func TestOpen_Admitted(t *testing.T) {
	h := newHarness(t)

	pos, err := h.svc.Open(context.Background(), draft("p1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEntryPlaced, pos.Status)

	stored := h.store.load("p1")
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusEntryPlaced, stored.Status)
	assert.False(t, stored.Closed)
	assert.False(t, stored.Locked, "creator lock is released after the verdict")
	assert.Equal(t, "sig-1", stored.SignalID)
	assert.Equal(t, "prov-1", stored.ProviderID)
	assert.True(t, stored.AllocatedBalance.Equal(d("1000")))
	assert.Equal(t, domain.SideLong, stored.RatiosSide)

	require.Len(t, h.bus.events, 1)
	assert.Equal(t, "entry order placed", h.bus.events[0].StatusText)
	assert.Equal(t, []string{"position.opened:p1"}, h.audit.events)
	assert.Equal(t, []string{"soft:open:u1:prov-1:sig-1"}, h.locks.removed)
}

func TestOpen_Rejected(t *testing.T) {
	h := newHarness(t)
	h.admit.reject = domain.StatusSideNotAllowed

	pos, err := h.svc.Open(context.Background(), draft("p1"))
	require.NoError(t, err)
	assert.True(t, pos.Closed)

	stored := h.store.load("p1")
	assert.True(t, stored.Closed)
	assert.Equal(t, domain.StatusSideNotAllowed, stored.Status)
	assert.False(t, stored.Locked)
	assert.Equal(t, []string{"position.rejected:p1"}, h.audit.events)
}

func TestOpen_AdmissionErrorClosesPosition(t *testing.T) {
	h := newHarness(t)
	h.admit.err = errBoom

	pos, err := h.svc.Open(context.Background(), draft("p1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAdmissionError, pos.Status)

	stored := h.store.load("p1")
	assert.True(t, stored.Closed)
	assert.Contains(t, stored.Notes, "boom")
}

func TestOpen_InFlightDuplicate(t *testing.T) {
	h := newHarness(t)
	h.locks.softBusy = true

	_, err := h.svc.Open(context.Background(), draft("p1"))
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Nil(t, h.store.load("p1"))
}

func TestOpen_SoftLockKeyedBySignal(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Open(context.Background(), draft(""))
	require.NoError(t, err)
	h.locks.softBusy = true
	_, err = h.svc.Open(context.Background(), draft(""))
	require.ErrorIs(t, err, domain.ErrLockHeld)

	assert.Equal(t, []string{"open:u1:prov-1:sig-1", "open:u1:prov-1:sig-1"}, h.locks.soft,
		"drafts without an id still share the signal key")

	dr := draft("p9")
	dr.Signal.ID = ""
	h.locks.softBusy = false
	_, err = h.svc.Open(context.Background(), dr)
	require.NoError(t, err)
	assert.Equal(t, "open:u1:p9", h.locks.soft[2])
}

func TestOpen_SaveFailureReleasesDocumentLock(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errBoom

	_, err := h.svc.Open(context.Background(), draft("p1"))
	require.ErrorIs(t, err, errBoom)

	stored := h.store.load("p1")
	require.NotNil(t, stored)
	assert.False(t, stored.Locked)
	assert.Empty(t, stored.LockID)
}

func TestOpen_GeneratesID(t *testing.T) {
	h := newHarness(t)
	pos, err := h.svc.Open(context.Background(), draft(""))
	require.NoError(t, err)
	assert.Equal(t, "id-1", pos.ID)
	assert.NotNil(t, h.store.load("id-1"))
}

func TestHandleOrderEvent_CloseWritesAccounting(t *testing.T) {
	h := newHarness(t)
	p := openPosition("p1", "u1")
	h.store.seed(p)
	h.exchange.incomes = []domain.Income{
		{Symbol: "BTCUSDT", Type: domain.IncomeFunding, Amount: d("-0.5")},
		{Symbol: "ETHUSDT", Type: domain.IncomeFunding, Amount: d("-9")},
	}
	h.engine.apply = func(pos *domain.Position) (reconcile.Outcome, error) {
		pos.Trades = append(pos.Trades,
			domain.Trade{ID: "t1", OrderID: "e1", Price: d("100"), Qty: d("1"), IsBuyer: true, Commission: d("0.1"), CommissionAsset: "USDT"},
			domain.Trade{ID: "t2", OrderID: "x1", Price: d("110"), Qty: d("1"), Commission: d("0.1"), CommissionAsset: "USDT"},
		)
		pos.RemainAmount = d("0")
		pos.Close(domain.StatusExitFilled, testNow)
		return reconcile.Outcome{Closed: true, Status: domain.StatusExitFilled}, nil
	}

	err := h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{
		ID: "ev1", PositionID: "p1", OrderID: "x1", Kind: domain.EventFilled,
	})
	require.NoError(t, err)

	stored := h.store.load("p1")
	require.NotNil(t, stored.Accounting)
	assert.True(t, stored.Accounted)
	assert.True(t, stored.Closed)
	assert.False(t, stored.Locked)
	acc := stored.Accounting
	assert.True(t, acc.GrossProfit.Equal(d("10")), acc.GrossProfit.String())
	assert.True(t, acc.TotalFees.Equal(d("0.2")), acc.TotalFees.String())
	assert.True(t, acc.FundingFees.Equal(d("0.5")), acc.FundingFees.String())
	assert.True(t, acc.NetProfit.Equal(d("9.3")), acc.NetProfit.String())
	assert.True(t, acc.ProfitFromTotalAllocatedBalance.Equal(d("0.93")))
	assert.True(t, acc.ClosingDate.Equal(testNow))

	assert.Equal(t, []string{"fill:p1"}, h.engine.calls)
	assert.Equal(t, []string{"position:p1"}, h.locks.hard)
	assert.Equal(t, []string{"hard:position:p1"}, h.locks.removed)
	assert.Equal(t, []string{"order.filled:p1"}, h.audit.events)
}

func TestHandleOrderEvent_InverseAccountingOnFreshCatalog(t *testing.T) {
	h := newHarness(t)
	h.markets.inverse["BTCUSD_PERP"] = d("100")
	p := openPosition("p1", "u1")
	p.Symbol, p.Quote = "BTCUSD_PERP", "USD"
	h.store.seed(p)
	h.engine.apply = func(pos *domain.Position) (reconcile.Outcome, error) {
		pos.Trades = append(pos.Trades,
			domain.Trade{ID: "t1", OrderID: "e1", Price: d("20000"), Qty: d("10"), IsBuyer: true},
			domain.Trade{ID: "t2", OrderID: "x1", Price: d("25000"), Qty: d("10")},
		)
		pos.RemainAmount = d("0")
		pos.Close(domain.StatusExitFilled, testNow)
		return reconcile.Outcome{Closed: true, Status: domain.StatusExitFilled}, nil
	}

	require.NoError(t, h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{
		ID: "ev1", PositionID: "p1", OrderID: "x1", Kind: domain.EventFilled,
	}))

	acc := h.store.load("p1").Accounting
	require.NotNil(t, acc)
	// 10 contracts * 100 * (1/20000 - 1/25000)
	assert.True(t, acc.GrossProfit.Equal(d("0.01")), acc.GrossProfit.String())
}

func TestHandleOrderEvent_UnknownMarketLeavesPositionUntouched(t *testing.T) {
	h := newHarness(t)
	h.markets.err = errBoom
	h.store.seed(openPosition("p1", "u1"))

	err := h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", OrderID: "x1", Kind: domain.EventFilled})
	require.ErrorIs(t, err, ErrRetryLater)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, h.engine.calls)
	assert.False(t, h.store.load("p1").Locked)
}

func TestHandleOrderEvent_FundingFailureStillCloses(t *testing.T) {
	h := newHarness(t)
	h.store.seed(openPosition("p1", "u1"))
	h.exchange.err = errBoom
	h.engine.apply = func(pos *domain.Position) (reconcile.Outcome, error) {
		pos.Close(domain.StatusStopLoss, testNow)
		return reconcile.Outcome{Closed: true, Status: domain.StatusStopLoss}, nil
	}

	require.NoError(t, h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", Kind: domain.EventForced}))
	stored := h.store.load("p1")
	require.NotNil(t, stored.Accounting)
	assert.True(t, stored.Accounting.FundingFees.IsZero())
	assert.Equal(t, []string{"liquidation:p1"}, h.engine.calls)
}

func TestHandleOrderEvent_Dispatch(t *testing.T) {
	tests := []struct {
		kind domain.OrderEventKind
		want string
	}{
		{domain.EventFilled, "fill:p1"},
		{domain.EventCanceled, "cancel:p1"},
		{domain.EventCancelRequest, "cancel:p1"},
		{domain.EventExpired, "expire:p1"},
		{domain.EventForced, "liquidation:p1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			h := newHarness(t)
			h.store.seed(openPosition("p1", "u1"))
			require.NoError(t, h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", Kind: tt.kind}))
			assert.Equal(t, []string{tt.want}, h.engine.calls)
		})
	}

	h := newHarness(t)
	err := h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{ID: "ev", PositionID: "p1", Kind: "bogus"})
	require.Error(t, err)
	assert.Empty(t, h.locks.hard)
}

func TestHandleOrderEvent_HardLockTimeout(t *testing.T) {
	h := newHarness(t)
	h.store.seed(openPosition("p1", "u1"))
	h.locks.hardBusy = true

	err := h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", Kind: domain.EventFilled})
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Empty(t, h.engine.calls)
}

func TestHandleOrderEvent_DocumentHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	p := openPosition("p1", "u1")
	p.Locked, p.LockID, p.LockedBy = true, "other", "watcher"
	h.store.seed(p)

	err := h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", Kind: domain.EventFilled})
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Empty(t, h.engine.calls)
	assert.Equal(t, []string{"hard:position:p1"}, h.locks.removed, "hard lock is released on failure")
}

func TestHandleOrderEvent_ClosedPositionIsNoop(t *testing.T) {
	h := newHarness(t)
	p := openPosition("p1", "u1")
	p.Close(domain.StatusExitFilled, testNow)
	h.store.seed(p)

	require.NoError(t, h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", Kind: domain.EventFilled}))
	assert.Empty(t, h.engine.calls)
	assert.False(t, h.store.load("p1").Locked)
}

func TestHandleOrderEvent_RetryPersistsProgress(t *testing.T) {
	h := newHarness(t)
	p := openPosition("p1", "u1")
	p.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, Status: domain.OrderStatusOpen})
	h.store.seed(p)
	h.engine.apply = func(pos *domain.Position) (reconcile.Outcome, error) {
		pos.Orders["b1"].CancelAttempts++
		return reconcile.Outcome{Retry: true}, nil
	}

	err := h.svc.CancelPending(context.Background(), "p1", domain.OrderBuy)
	require.ErrorIs(t, err, ErrRetryLater)
	assert.Equal(t, 1, h.store.load("p1").Orders["b1"].CancelAttempts)
}

func TestHandleOrderEvent_EngineErrorStillSaves(t *testing.T) {
	h := newHarness(t)
	p := openPosition("p1", "u1")
	p.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, Status: domain.OrderStatusOpen})
	h.store.seed(p)
	h.engine.apply = func(pos *domain.Position) (reconcile.Outcome, error) {
		pos.Orders["b1"].LastCancelError = "rate limited"
		return reconcile.Outcome{Alerts: []domain.Alert{{Event: domain.AlertCancelFailed, PositionID: pos.ID}}}, errBoom
	}

	err := h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", OrderID: "b1", Kind: domain.EventCancelRequest})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, "rate limited", h.store.load("p1").Orders["b1"].LastCancelError)
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, domain.AlertCancelFailed, h.alerts.alerts[0].Event)
}

func TestCredentialFailureClosesConnection(t *testing.T) {
	h := newHarness(t)
	busy := openPosition("p3", "u1")
	busy.Locked, busy.LockID = true, "someone-else"
	h.store.seed(openPosition("p1", "u1"), openPosition("p2", "u1"), busy, openPosition("p4", "u2"))

	h.engine.apply = func(pos *domain.Position) (reconcile.Outcome, error) {
		pos.Close(domain.StatusInvalidKeys, testNow)
		return reconcile.Outcome{
			Closed:            true,
			Status:            domain.StatusInvalidKeys,
			CredentialFailure: true,
			Alerts:            []domain.Alert{{Event: domain.AlertCredentialsInvalid, PositionID: pos.ID}},
		}, nil
	}

	require.NoError(t, h.svc.HandleOrderEvent(context.Background(), domain.OrderEvent{PositionID: "p1", OrderID: "o", Kind: domain.EventCancelRequest}))

	assert.Equal(t, domain.StatusInvalidKeys, h.store.load("p1").Status)
	p2 := h.store.load("p2")
	assert.True(t, p2.Closed)
	assert.Equal(t, domain.StatusInvalidKeys, p2.Status)
	assert.False(t, p2.Locked)
	assert.False(t, h.store.load("p3").Closed, "a position held elsewhere is left for its owner")
	assert.False(t, h.store.load("p4").Closed, "other users are untouched")

	require.Len(t, h.alerts.alerts, 1, "one alert per connection")
	assert.Equal(t, domain.AlertCredentialsInvalid, h.alerts.alerts[0].Event)
	assert.Contains(t, h.alerts.alerts[0].Message, "1 other open position(s)")
	assert.Contains(t, h.audit.events, "position.credentials_closed:p2")
}

func TestPnL(t *testing.T) {
	h := newHarness(t)
	p := openPosition("p1", "u1")
	p.Trades = []domain.Trade{{ID: "t1", OrderID: "e1", Price: d("100"), Qty: d("1"), IsBuyer: true}}
	p.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, Price: d("90"), Amount: d("1"), Status: domain.OrderStatusOpen})
	h.store.seed(p)

	pnl, err := h.svc.PnL(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, pnl.Unrealized.Equal(d("20")), pnl.Unrealized.String())
	assert.True(t, pnl.Realized.IsZero())
	assert.True(t, pnl.LockedAmount.Equal(d("1")))
	assert.True(t, pnl.LockedInvestment.Equal(d("90")))

	_, err = h.svc.PnL(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProfitSharing_RetainsAgainstOpenLoss(t *testing.T) {
	h := newHarness(t)
	h.svc.Prices = fixedPrices{price: d("90")}
	p := openPosition("p1", "u1")
	p.Trades = []domain.Trade{{ID: "t1", OrderID: "e1", Price: d("100"), Qty: d("1"), IsBuyer: true}}
	h.store.seed(p)

	share, err := h.svc.ProfitSharing(context.Background(), "p1", d("25"))
	require.NoError(t, err)
	assert.True(t, share.Equal(d("15")), share.String())
	assert.True(t, h.store.load("p1").ProfitRetain.Equal(d("10")))
}

func TestSweepLiquidations(t *testing.T) {
	h := newHarness(t)
	spot := openPosition("spot", "u1")
	spot.ExchangeType = domain.ExchangeSpot
	flat := openPosition("flat", "u1")
	flat.BuyPerformed = false
	closed := openPosition("closed", "u1")
	closed.Close(domain.StatusExitFilled, testNow)
	h.store.seed(openPosition("f1", "u1"), openPosition("f2", "u2"), spot, flat, closed)

	n, err := h.svc.SweepLiquidations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"liquidation:f1", "liquidation:f2"}, h.engine.calls)
}
