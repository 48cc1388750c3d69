package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/platform/gateway"
)

var testNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type cancelResult struct {
	order domain.ExchangeOrder
	err   error
}

type fakeExchange struct {
	domain.ExchangeCalls
	cancels     map[string]cancelResult
	orders      map[string]domain.ExchangeOrder
	trades      map[string][]domain.Trade
	forced      []domain.ExchangeOrder
	cancelCalls []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		cancels: make(map[string]cancelResult),
		orders:  make(map[string]domain.ExchangeOrder),
		trades:  make(map[string][]domain.Trade),
	}
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ domain.Connection, _ string, id string) (domain.ExchangeOrder, error) {
	f.cancelCalls = append(f.cancelCalls, id)
	r, ok := f.cancels[id]
	if !ok {
		return domain.ExchangeOrder{ID: id, Status: domain.OrderStatusCanceled}, nil
	}
	return r.order, r.err
}

func (f *fakeExchange) FetchOrder(_ context.Context, _ domain.Connection, _ string, id string) (domain.ExchangeOrder, error) {
	return f.orders[id], nil
}

func (f *fakeExchange) FetchOrderTrades(_ context.Context, _ domain.Connection, _ string, id string) ([]domain.Trade, error) {
	return f.trades[id], nil
}

func (f *fakeExchange) FetchForcedOrders(context.Context, domain.Connection, string, time.Time) ([]domain.ExchangeOrder, error) {
	return f.forced, nil
}

type fakeMarkets struct{ market domain.Market }

func (f fakeMarkets) Market(context.Context, string, string) (domain.Market, error) {
	return f.market, nil
}

type linearHandler struct{ domain.ExchangeHandler }

func (linearHandler) CalculateOrderCost(_ string, qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}
func (linearHandler) CalculatePositionSize(_ string, qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}
func (linearHandler) CalculateRealInvestmentFromPositionSize(_ string, size decimal.Decimal) decimal.Decimal {
	return size
}

type staticHandlers struct{ h domain.ExchangeHandler }

func (s staticHandlers) Handler(context.Context, string, string) (domain.ExchangeHandler, error) {
	return s.h, nil
}

func newEngine(ex *fakeExchange) *Engine {
	markets := fakeMarkets{market: domain.Market{
		Symbol: "BTCUSDT",
		Limits: domain.MarketLimits{
			Amount: domain.Range{Min: d("0.00001")},
			Cost:   domain.Range{Min: d("10")},
		},
	}}
	return NewEngine(ex, markets, staticHandlers{linearHandler{}}, Config{},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithNow(func() time.Time { return testNow }),
	)
}

func newPosition(exType domain.ExchangeType) *domain.Position {
	return &domain.Position{
		ID: "p1", UserID: "u1", ExchangeInternalID: "x1", ExchangeName: "binance",
		ExchangeType: exType, Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT",
		Side: domain.SideLong, Status: domain.StatusEntryPlaced,
		CreatedAt: testNow.Add(-time.Hour),
		Orders:    map[string]*domain.Order{},
	}
}

func buy(id, order, price, qty string) domain.Trade {
	return domain.Trade{ID: id, OrderID: order, Price: d(price), Qty: d(qty), IsBuyer: true}
}

func sell(id, order, price, qty string) domain.Trade {
	return domain.Trade{ID: id, OrderID: order, Price: d(price), Qty: d(qty)}
}

// filledEntry returns a position whose entry order already filled qty at price.
func filledEntry(exType domain.ExchangeType, qty, price string) *domain.Position {
	pos := newPosition(exType)
	o := &domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d(qty), Price: d(price), PlacedAt: testNow.Add(-time.Hour)}
	o.Resolve(domain.OrderStatusClosed, testNow.Add(-time.Hour))
	pos.AddOrder(o)
	pos.AppendTrades(buy("t-e1", "e1", price, qty))
	accounting.Recompute(linearHandler{}, pos)
	pos.Status = domain.StatusEntryFilled
	return pos
}

func TestCancelOrder_PartialFillThenCancel(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["e1"] = cancelResult{order: domain.ExchangeOrder{ID: "e1", Status: domain.OrderStatusCanceled, Filled: d("6")}}
	ex.trades["e1"] = []domain.Trade{buy("t1", "e1", "100", "6")}

	pos := newPosition(domain.ExchangeSpot)
	pos.AddOrder(&domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d("10"), Price: d("100"), Status: domain.OrderStatusOpen})

	out, err := newEngine(ex).CancelOrder(context.Background(), pos, "e1")
	require.NoError(t, err)
	assert.False(t, out.Closed)

	o := pos.Orders["e1"]
	assert.True(t, o.Done)
	assert.Equal(t, domain.OrderStatusCanceled, o.Status)
	assert.True(t, o.Filled.Equal(d("6")))
	assert.True(t, pos.RealAmount.Equal(d("6")), pos.RealAmount.String())
	assert.True(t, pos.RemainAmount.Equal(d("6")), pos.RemainAmount.String())
	assert.True(t, pos.AvgBuyingPrice.Equal(d("100")))
	assert.Equal(t, domain.StatusEntryFilled, pos.Status)
}

func TestCancelOrder_PartialFillDeductsSameAssetCommission(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["e1"] = cancelResult{order: domain.ExchangeOrder{ID: "e1", Status: domain.OrderStatusCanceled, Filled: d("6")}}
	tr := buy("t1", "e1", "100", "6")
	tr.Commission, tr.CommissionAsset = d("0.006"), "BTC"
	ex.trades["e1"] = []domain.Trade{tr}

	pos := newPosition(domain.ExchangeSpot)
	pos.AddOrder(&domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d("10"), Price: d("100")})

	_, err := newEngine(ex).CancelOrder(context.Background(), pos, "e1")
	require.NoError(t, err)
	assert.True(t, pos.RealAmount.Equal(d("6")))
	assert.True(t, pos.RemainAmount.Equal(d("5.994")), pos.RemainAmount.String())
}

func TestCancelOrder_UnfilledEntryCloses(t *testing.T) {
	ex := newFakeExchange()
	pos := newPosition(domain.ExchangeSpot)
	pos.AddOrder(&domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d("10"), Price: d("100")})

	out, err := newEngine(ex).CancelOrder(context.Background(), pos, "e1")
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.True(t, pos.Closed)
	assert.Equal(t, domain.StatusEntryCanceled, pos.Status)
}

func TestExpire_UnfilledEntryClosesExpired(t *testing.T) {
	ex := newFakeExchange()
	ex.orders["e1"] = domain.ExchangeOrder{ID: "e1", Status: domain.OrderStatusExpired}
	pos := newPosition(domain.ExchangeSpot)
	pos.AddOrder(&domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d("10"), Price: d("100")})

	out, err := newEngine(ex).Expire(context.Background(), pos, "e1")
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, domain.StatusEntryExpired, pos.Status)
}

func TestExpire_TargetSkipped(t *testing.T) {
	ex := newFakeExchange()
	ex.orders["b1"] = domain.ExchangeOrder{ID: "b1", Status: domain.OrderStatusExpired}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.ReBuyTargets = []*domain.Target{{ID: 1, PriceFactor: d("0.9"), AmountFactor: d("0.5"), OrderID: "b1"}}
	pos.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("90")})

	_, err := newEngine(ex).Expire(context.Background(), pos, "b1")
	require.NoError(t, err)
	tgt := pos.ReBuyTargets[0]
	assert.True(t, tgt.Skipped)
	assert.True(t, tgt.Expired)
	assert.False(t, pos.Closed)
}

func TestCancelOrder_ReBuyScaledByFill(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["b1"] = cancelResult{order: domain.ExchangeOrder{ID: "b1", Status: domain.OrderStatusCanceled, Filled: d("1")}}
	ex.trades["b1"] = []domain.Trade{buy("t2", "b1", "90", "1")}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.ReBuyTargets = []*domain.Target{{ID: 1, PriceFactor: d("0.9"), AmountFactor: d("0.5"), OrderID: "b1"}}
	pos.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, IsBuy: true, Amount: d("4"), Price: d("90")})

	_, err := newEngine(ex).CancelOrder(context.Background(), pos, "b1")
	require.NoError(t, err)
	tgt := pos.ReBuyTargets[0]
	assert.True(t, tgt.AmountFactor.Equal(d("0.375")), tgt.AmountFactor.String())
	assert.Empty(t, tgt.OrderID)
	assert.False(t, tgt.Done)
	assert.True(t, pos.RemainAmount.Equal(d("11")))
}

func TestCancelOrder_TakeProfitPartialAnnotated(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["tp1"] = cancelResult{order: domain.ExchangeOrder{ID: "tp1", Status: domain.OrderStatusCanceled, Filled: d("2")}}
	ex.trades["tp1"] = []domain.Trade{sell("t2", "tp1", "110", "2")}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.TakeProfitTargets = []*domain.Target{{ID: 1, PriceFactor: d("1.1"), AmountFactor: d("0.5"), OrderID: "tp1"}}
	pos.AddOrder(&domain.Order{ID: "tp1", Type: domain.OrderTakeProfit, Amount: d("5"), Price: d("110")})

	_, err := newEngine(ex).CancelOrder(context.Background(), pos, "tp1")
	require.NoError(t, err)
	tgt := pos.TakeProfitTargets[0]
	assert.Empty(t, tgt.OrderID)
	assert.Contains(t, tgt.Note, "partially filled 2 of 5")
	assert.True(t, pos.RemainAmount.Equal(d("8")))
	assert.False(t, pos.Closed)
}

func TestApplyFill_DustRemainderClosesTakeProfitExhausted(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeSpot, "1", "100")
	pos.TakeProfitTargets = []*domain.Target{{ID: 1, PriceFactor: d("1.1"), AmountFactor: d("1"), OrderID: "tp1"}}
	pos.AddOrder(&domain.Order{ID: "tp1", Type: domain.OrderTakeProfit, Amount: d("0.9999999"), Price: d("110")})

	out, err := newEngine(ex).ApplyFill(context.Background(), pos, "tp1",
		[]domain.Trade{sell("t2", "tp1", "110", "0.9999999")}, "")
	require.NoError(t, err)
	assert.True(t, pos.RemainAmount.Equal(d("0.0000001")), pos.RemainAmount.String())
	assert.True(t, out.Closed)
	assert.True(t, pos.Closed)
	assert.Equal(t, domain.StatusTakeProfitExhausted, pos.Status)
	assert.True(t, pos.TakeProfitTargets[0].Done)
}

func TestApplyFill_DustKeptWithPersistentReduceAndPendingDCA(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeSpot, "1", "100")
	pos.ReduceOrders = []*domain.Target{{ID: 1, PriceFactor: d("1.05"), AmountFactor: d("0.1"), Persistent: true}}
	pos.ReBuyTargets = []*domain.Target{{ID: 1, PriceFactor: d("0.9"), AmountFactor: d("1")}}
	pos.TakeProfitTargets = []*domain.Target{{ID: 1, PriceFactor: d("1.1"), AmountFactor: d("1"), OrderID: "tp1"}}
	pos.AddOrder(&domain.Order{ID: "tp1", Type: domain.OrderTakeProfit, Amount: d("0.9999999"), Price: d("110")})

	out, err := newEngine(ex).ApplyFill(context.Background(), pos, "tp1",
		[]domain.Trade{sell("t2", "tp1", "110", "0.9999999")}, "")
	require.NoError(t, err)
	assert.False(t, out.Closed)
	assert.False(t, pos.Closed)
}

func TestApplyFill_FullExitCloses(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeSpot, "2", "100")
	pos.AddOrder(&domain.Order{ID: "x1", Type: domain.OrderExit, Amount: d("2"), Price: d("95")})

	out, err := newEngine(ex).ApplyFill(context.Background(), pos, "x1",
		[]domain.Trade{sell("t2", "x1", "95", "2")}, domain.TriggerManual)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, domain.StatusManualExit, pos.Status)
}

func TestApplyFill_OversizedStopLossClosesOnceNothingRemains(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeFutures, "6", "100")
	pos.AddOrder(&domain.Order{ID: "sl1", Type: domain.OrderStopLoss, Amount: d("10"), Price: d("90")})

	out, err := newEngine(ex).ApplyFill(context.Background(), pos, "sl1",
		[]domain.Trade{sell("t2", "sl1", "90", "6")}, "")
	require.NoError(t, err)
	assert.True(t, pos.RemainAmount.IsZero())
	assert.True(t, pos.Orders["sl1"].Done)
	assert.Equal(t, domain.OrderStatusClosed, pos.Orders["sl1"].Status)
	assert.True(t, out.Closed)
	assert.True(t, pos.Closed)
	assert.Equal(t, domain.StatusStopLoss, pos.Status)
}

func TestApplyFill_PartialExitStaysOpen(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeFutures, "6", "100")
	pos.AddOrder(&domain.Order{ID: "sl1", Type: domain.OrderStopLoss, Amount: d("6"), Price: d("90")})

	out, err := newEngine(ex).ApplyFill(context.Background(), pos, "sl1",
		[]domain.Trade{sell("t2", "sl1", "90", "2")}, "")
	require.NoError(t, err)
	assert.False(t, out.Closed)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, pos.Orders["sl1"].Status)
}

type inverseSource struct{}

func (inverseSource) Market(_ context.Context, exchange, symbol string) (domain.Market, error) {
	return domain.Market{Exchange: exchange, Symbol: symbol, Inverse: true, ContractSize: d("100")}, nil
}

type emptyMarketCache struct{}

func (emptyMarketCache) Set(context.Context, domain.Market) error { return nil }
func (emptyMarketCache) Get(context.Context, string, string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (emptyMarketCache) Invalidate(context.Context, string, string) error { return nil }

func TestApplyFill_InverseTermsLoadedOnFreshCatalog(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := gateway.NewCachedCatalog(inverseSource{}, emptyMarketCache{}, gateway.NewCostModel(""), logger)
	eng := NewEngine(newFakeExchange(), catalog, catalog, Config{}, logger,
		WithNow(func() time.Time { return testNow }))

	pos := newPosition(domain.ExchangeFutures)
	pos.Symbol = "BTCUSD_PERP"
	pos.AddOrder(&domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d("10"), Price: d("20000")})
	pos.AddOrder(&domain.Order{ID: "x1", Type: domain.OrderExit, Amount: d("10"), Price: d("25000")})

	_, err := eng.ApplyFill(context.Background(), pos, "e1", []domain.Trade{buy("t1", "e1", "20000", "10")}, "")
	require.NoError(t, err)
	assert.True(t, pos.RealInvestment.Equal(d("0.05")), pos.RealInvestment.String())
	assert.True(t, pos.Orders["e1"].Cost.Equal(d("0.05")), pos.Orders["e1"].Cost.String())

	out, err := eng.ApplyFill(context.Background(), pos, "x1", []domain.Trade{sell("t2", "x1", "25000", "10")}, domain.TriggerManual)
	require.NoError(t, err)
	require.True(t, out.Closed)

	h, err := catalog.Handler(context.Background(), pos.ExchangeName, pos.Symbol)
	require.NoError(t, err)
	assert.True(t, accounting.RealizedGrossProfit(h, pos).Equal(d("0.01")))
}

func TestApplyFill_HealthyTakeProfitRearmsAndMovesStop(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.StopLossPercentage = d("0.9")
	pos.StopLossFollowsTakeProfit = true
	pos.StopLossToBreakEven = true
	pos.TakeProfitTargets = []*domain.Target{
		{ID: 1, PriceFactor: d("1.1"), AmountFactor: d("0.5"), OrderID: "tp1"},
		{ID: 2, PriceFactor: d("1.2"), AmountFactor: d("0.2"), OrderID: "tp2"},
	}
	pos.AddOrder(&domain.Order{ID: "tp1", Type: domain.OrderTakeProfit, Amount: d("5"), Price: d("110")})
	pos.AddOrder(&domain.Order{ID: "tp2", Type: domain.OrderTakeProfit, Amount: d("2"), Price: d("120")})
	eng := newEngine(ex)

	out, err := eng.ApplyFill(context.Background(), pos, "tp1", []domain.Trade{sell("t2", "tp1", "110", "5")}, "")
	require.NoError(t, err)
	assert.False(t, out.Closed)
	assert.True(t, pos.ReBuyProcess)
	assert.True(t, pos.TakeProfitTargets[0].Done)
	assert.True(t, pos.StopLossPercentage.Equal(d("1")), "first take profit moves stop to entry")

	_, err = eng.ApplyFill(context.Background(), pos, "tp2", []domain.Trade{sell("t3", "tp2", "120", "2")}, "")
	require.NoError(t, err)
	assert.True(t, pos.StopLossPercentage.Equal(d("1.1")), "stop follows the previous take profit")
}

func TestApplyFill_BreakEvenOnly(t *testing.T) {
	ex := newFakeExchange()
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.StopLossPercentage = d("0.9")
	pos.StopLossToBreakEven = true
	pos.TakeProfitTargets = []*domain.Target{{ID: 1, PriceFactor: d("1.1"), AmountFactor: d("0.5"), OrderID: "tp1"}}
	pos.AddOrder(&domain.Order{ID: "tp1", Type: domain.OrderTakeProfit, Amount: d("5"), Price: d("110")})

	_, err := newEngine(ex).ApplyFill(context.Background(), pos, "tp1", []domain.Trade{sell("t2", "tp1", "110", "5")}, "")
	require.NoError(t, err)
	assert.True(t, pos.StopLossPercentage.Equal(d("1")))
}

func TestApplyFill_IdempotentIngestion(t *testing.T) {
	ex := newFakeExchange()
	pos := newPosition(domain.ExchangeSpot)
	pos.AddOrder(&domain.Order{ID: "e1", Type: domain.OrderEntry, IsBuy: true, Amount: d("10"), Price: d("100")})
	eng := newEngine(ex)
	trades := []domain.Trade{buy("t1", "e1", "100", "4")}

	_, err := eng.ApplyFill(context.Background(), pos, "e1", trades, "")
	require.NoError(t, err)
	realAmount, remain := pos.RealAmount, pos.RemainAmount

	_, err = eng.ApplyFill(context.Background(), pos, "e1", trades, "")
	require.NoError(t, err)
	assert.True(t, realAmount.Equal(pos.RealAmount))
	assert.True(t, remain.Equal(pos.RemainAmount))
	assert.Len(t, pos.Trades, 1)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, pos.Orders["e1"].Status)
	assert.Equal(t, domain.StatusEntryFilled, pos.Status)
}

func TestCheckLiquidation_ClosesOnMatchingForcedOrder(t *testing.T) {
	ex := newFakeExchange()
	ex.forced = []domain.ExchangeOrder{{ID: "f1", Filled: d("5"), Average: d("80"), Status: domain.OrderStatusClosed}}
	pos := filledEntry(domain.ExchangeFutures, "5", "100")

	out, err := newEngine(ex).CheckLiquidation(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, out.Closed)
	assert.Equal(t, domain.StatusLiquidated, pos.Status)
	assert.True(t, pos.RemainAmount.IsZero())
	require.True(t, pos.HasTrade("liq-f1", "f1"))
	assert.True(t, pos.Orders["f1"].Liquidation)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.AlertPositionLiquidated, out.Alerts[0].Event)
}

func TestCheckLiquidation_MismatchAlertsOnce(t *testing.T) {
	ex := newFakeExchange()
	ex.forced = []domain.ExchangeOrder{{ID: "f1", Filled: d("4"), Average: d("80")}}
	pos := filledEntry(domain.ExchangeFutures, "5", "100")
	eng := newEngine(ex)

	out, err := eng.CheckLiquidation(context.Background(), pos)
	require.NoError(t, err)
	assert.False(t, out.Closed)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.AlertLiquidationMismatch, out.Alerts[0].Event)

	out, err = eng.CheckLiquidation(context.Background(), pos)
	require.NoError(t, err)
	assert.Empty(t, out.Alerts)
}

func TestCancelAllPending_MissingOrderRetriesThenResolves(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["b1"] = cancelResult{err: fmt.Errorf("gateway: %w", domain.ErrOrderNotFound)}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.ReBuyTargets = []*domain.Target{{ID: 1, PriceFactor: d("0.9"), AmountFactor: d("0.5"), OrderID: "b1"}}
	pos.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("90"), PlacedAt: testNow.Add(-time.Minute)})
	eng := newEngine(ex)

	for i := 1; i < 5; i++ {
		out, err := eng.CancelAllPending(context.Background(), pos, domain.OrderBuy)
		require.NoError(t, err)
		assert.True(t, out.Retry)
		assert.False(t, pos.Orders["b1"].Done)
		assert.Equal(t, i, pos.Orders["b1"].CancelAttempts)
	}

	out, err := eng.CancelAllPending(context.Background(), pos, domain.OrderBuy)
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.True(t, pos.Orders["b1"].Done)
	assert.Equal(t, domain.OrderStatusCanceled, pos.Orders["b1"].Status)
	assert.Empty(t, pos.ReBuyTargets[0].OrderID)
}

func TestCancelAllPending_OldMissingOrderResolvesImmediately(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["b1"] = cancelResult{err: errors.New(`{"code":-2011,"msg":"Unknown order sent."}`)}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("90"), PlacedAt: testNow.Add(-2 * time.Hour)})

	out, err := newEngine(ex).CancelAllPending(context.Background(), pos)
	require.NoError(t, err)
	assert.False(t, out.Retry)
	assert.True(t, pos.Orders["b1"].Done)
}

func TestCancelAllPending_InvalidCredentialsClosesPosition(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["b1"] = cancelResult{err: errors.New(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("90"), PlacedAt: testNow.Add(-2 * time.Minute)})
	pos.AddOrder(&domain.Order{ID: "b2", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("80"), PlacedAt: testNow.Add(-time.Minute)})

	out, err := newEngine(ex).CancelAllPending(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, out.CredentialFailure)
	assert.True(t, pos.Closed)
	assert.Equal(t, domain.StatusInvalidKeys, pos.Status)
	assert.Equal(t, []string{"b1"}, ex.cancelCalls)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.AlertCredentialsInvalid, out.Alerts[0].Event)
}

func TestCancelAllPending_OtherErrorStops(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["b1"] = cancelResult{err: errors.New("margin account is frozen")}
	pos := filledEntry(domain.ExchangeSpot, "10", "100")
	pos.AddOrder(&domain.Order{ID: "b1", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("90"), PlacedAt: testNow.Add(-2 * time.Minute)})
	pos.AddOrder(&domain.Order{ID: "b2", Type: domain.OrderBuy, IsBuy: true, Amount: d("5"), Price: d("80"), PlacedAt: testNow.Add(-time.Minute)})

	out, err := newEngine(ex).CancelAllPending(context.Background(), pos)
	require.Error(t, err)
	assert.Equal(t, []string{"b1"}, ex.cancelCalls)
	assert.False(t, pos.Closed)
	assert.Equal(t, "margin account is frozen", pos.Orders["b1"].LastCancelError)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, domain.AlertCancelFailed, out.Alerts[0].Event)
}

func TestMultiFlip_ShortLegFills(t *testing.T) {
	ex := newFakeExchange()
	ex.cancels["L"] = cancelResult{order: domain.ExchangeOrder{ID: "L", Status: domain.OrderStatusCanceled, Filled: d("0.5")}}
	ex.trades["L"] = []domain.Trade{buy("tl", "L", "101", "0.5")}

	pos := newPosition(domain.ExchangeFutures)
	pos.RatiosSide = domain.SideLong
	pos.Multi = &domain.MultiEntry{LongOrderID: "L", ShortOrderID: "S"}
	pos.TakeProfitTargets = []*domain.Target{{ID: 1, PriceFactor: d("1.1"), AmountFactor: d("1")}}
	pos.StopLossPercentage = d("0.9")
	pos.AddOrder(&domain.Order{ID: "L", Type: domain.OrderEntry, IsBuy: true, Side: domain.SideLong, Amount: d("2"), Price: d("101")})
	pos.AddOrder(&domain.Order{ID: "S", Type: domain.OrderEntry, Side: domain.SideShort, Amount: d("2"), Price: d("100")})

	_, err := newEngine(ex).ApplyFill(context.Background(), pos, "S", []domain.Trade{sell("ts", "S", "100", "2")}, "")
	require.NoError(t, err)

	assert.Equal(t, domain.SideShort, pos.Side)
	assert.True(t, pos.Multi.Resolved)
	assert.True(t, pos.TakeProfitTargets[0].PriceFactor.Equal(d("0.9")))
	assert.True(t, pos.StopLossPercentage.Equal(d("1.1")))
	assert.Equal(t, domain.SideShort, pos.RatiosSide)
	assert.True(t, pos.Orders["L"].Done)
	require.True(t, pos.HasTrade("fake-L", "L"))
	assert.True(t, pos.RemainAmount.Equal(d("2")), pos.RemainAmount.String())
	assert.Equal(t, domain.StatusEntryFilled, pos.Status)
}

func TestNormalizeRatios_NotDoubleApplied(t *testing.T) {
	pos := &domain.Position{
		Side:               domain.SideShort,
		RatiosSide:         domain.SideLong,
		StopLossPercentage: d("0.95"),
		TakeProfitTargets:  []*domain.Target{{ID: 1, PriceFactor: d("1.3")}},
	}
	assert.True(t, pos.NormalizeRatios())
	assert.False(t, pos.NormalizeRatios())
	assert.True(t, pos.TakeProfitTargets[0].PriceFactor.Equal(d("0.7")))
	assert.True(t, pos.StopLossPercentage.Equal(d("1.05")))
}

func TestMirrorRatio_Involution(t *testing.T) {
	for _, r := range []string{"0", "0.5", "1", "1.234567890123", "1.75"} {
		got := domain.MirrorRatio(domain.MirrorRatio(d(r)))
		assert.True(t, got.Equal(d(r)), r)
	}
}

func TestFixFakeTrade_ClampsPositive(t *testing.T) {
	pos := &domain.Position{Trades: []domain.Trade{{ID: "fake-L", OrderID: "L", Qty: d("0.5"), Fake: true}}}

	fix := FixFakeTrade(pos, "L", d("0.8"))
	assert.True(t, fix.IsZero())
	assert.True(t, pos.Trades[0].Qty.Equal(d("0.5")))

	fix = FixFakeTrade(pos, "L", d("0.3"))
	assert.True(t, fix.Equal(d("-0.2")))
	assert.True(t, pos.Trades[0].Qty.Equal(d("0.3")))
}

func TestOperationsRejectClosedPosition(t *testing.T) {
	pos := filledEntry(domain.ExchangeSpot, "1", "100")
	pos.Close(domain.StatusManualExit, testNow)
	eng := newEngine(newFakeExchange())

	_, err := eng.CancelAllPending(context.Background(), pos)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
	_, err = eng.ApplyFill(context.Background(), pos, "e1", nil, "")
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
	_, err = eng.CheckLiquidation(context.Background(), pos)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err      error
		class    ErrorClass
		severity Severity
	}{
		{domain.ErrOrderNotFound, ClassMissingOrder, SeverityDebug},
		{errors.New("Order does not exist."), ClassMissingOrder, SeverityDebug},
		{domain.ErrInvalidCredentials, ClassInvalidCredentials, SeverityCritical},
		{errors.New("Invalid API-key, IP, or permissions"), ClassInvalidCredentials, SeverityCritical},
		{errors.New("request timed out"), ClassOther, SeverityWarning},
		{errors.New("429 Too Many Requests"), ClassOther, SeverityWarning},
		{errors.New("insufficient margin"), ClassOther, SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.class, Classify(tc.err))
			assert.Equal(t, tc.severity, SeverityOf(tc.err))
		})
	}
}
