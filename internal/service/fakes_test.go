package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/admission"
	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/reconcile"
)

var testNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memStore is an in-memory PositionStore with the same lock and guard
// semantics as the Postgres store.
type memStore struct {
	domain.PositionStore

	mu      sync.Mutex
	docs    map[string][]byte
	saveErr error
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (m *memStore) put(p *domain.Position) {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	m.docs[p.ID] = raw
}

func (m *memStore) get(id string) *domain.Position {
	raw, ok := m.docs[id]
	if !ok {
		return nil
	}
	var p domain.Position
	if err := json.Unmarshal(raw, &p); err != nil {
		panic(err)
	}
	return &p
}

func (m *memStore) seed(ps ...*domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		m.put(p)
	}
}

func (m *memStore) load(id string) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *memStore) Create(_ context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.put(p)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(id)
	if p == nil {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) Lock(_ context.Context, id string, owner domain.LockOwner, _ time.Duration) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(id)
	if p == nil {
		return nil, domain.ErrNotFound
	}
	if p.Locked && p.LockID != owner.LockID {
		return nil, domain.ErrLockHeld
	}
	at := testNow
	p.Locked, p.LockID, p.LockedBy, p.LockedFrom, p.LockedAt = true, owner.LockID, owner.Process, owner.Host, &at
	m.put(p)
	return p, nil
}

func (m *memStore) Save(_ context.Context, p *domain.Position, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cur := m.get(p.ID)
	switch {
	case cur == nil:
		return domain.ErrNotFound
	case cur.Closed:
		return domain.ErrPositionClosed
	case !cur.Locked || cur.LockID != lockID:
		return domain.ErrLockLost
	}
	p.Version = cur.Version + 1
	m.put(p)
	return nil
}

func (m *memStore) Unlock(_ context.Context, id, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(id)
	if p == nil || p.LockID != lockID {
		return domain.ErrLockLost
	}
	p.Locked, p.LockID, p.LockedBy, p.LockedFrom, p.LockedAt = false, "", "", "", nil
	m.put(p)
	return nil
}

func (m *memStore) Find(_ context.Context, f domain.PositionFilter) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for id := range m.docs {
		p := m.get(id)
		switch {
		case f.UserID != nil && p.UserID != *f.UserID,
			f.ExchangeInternalID != nil && p.ExchangeInternalID != *f.ExchangeInternalID,
			f.Closed != nil && p.Closed != *f.Closed,
			f.ExchangeType != nil && p.ExchangeType != *f.ExchangeType,
			f.ExcludeID != nil && p.ID == *f.ExcludeID:
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type fakeLocker struct {
	softBusy bool
	hardBusy bool
	soft     []string
	hard     []string
	removed  []string
}

func (f *fakeLocker) LockSoft(_ context.Context, key, _ string) (bool, error) {
	f.soft = append(f.soft, key)
	return !f.softBusy, nil
}

func (f *fakeLocker) LockHard(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if f.hardBusy {
		return false, nil
	}
	f.hard = append(f.hard, key)
	return true, nil
}

func (f *fakeLocker) RemoveLocks(_ context.Context, key, _ string, typ domain.LockType) error {
	f.removed = append(f.removed, string(typ)+":"+key)
	return nil
}

type fakeAdmitter struct {
	reject domain.Status
	err    error
}

func (f *fakeAdmitter) Evaluate(_ context.Context, draft *domain.Draft) (admission.Decision, error) {
	if f.err != nil {
		return admission.Decision{}, f.err
	}
	if f.reject != 0 {
		draft.Position.Close(f.reject, testNow)
		return admission.Decision{Status: f.reject, Rule: "side"}, nil
	}
	return admission.Decision{Allowed: true, Status: domain.StatusEntryPlaced}, nil
}

type fakeEngine struct {
	calls []string
	apply func(pos *domain.Position) (reconcile.Outcome, error)
}

func (f *fakeEngine) run(name string, pos *domain.Position) (reconcile.Outcome, error) {
	f.calls = append(f.calls, name+":"+pos.ID)
	if f.apply == nil {
		return reconcile.Outcome{}, nil
	}
	return f.apply(pos)
}

func (f *fakeEngine) ApplyFill(_ context.Context, pos *domain.Position, _ string, _ []domain.Trade, _ domain.ExitTrigger) (reconcile.Outcome, error) {
	return f.run("fill", pos)
}

func (f *fakeEngine) CancelOrder(_ context.Context, pos *domain.Position, _ string) (reconcile.Outcome, error) {
	return f.run("cancel", pos)
}

func (f *fakeEngine) CancelAllPending(_ context.Context, pos *domain.Position, _ ...domain.OrderType) (reconcile.Outcome, error) {
	return f.run("cancel_all", pos)
}

func (f *fakeEngine) Expire(_ context.Context, pos *domain.Position, _ string) (reconcile.Outcome, error) {
	return f.run("expire", pos)
}

func (f *fakeEngine) CheckLiquidation(_ context.Context, pos *domain.Position) (reconcile.Outcome, error) {
	return f.run("liquidation", pos)
}

type recordingAlerter struct{ alerts []domain.Alert }

func (r *recordingAlerter) Notify(_ context.Context, a domain.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingBus struct {
	domain.SignalBus
	events []domain.PositionEvent
}

func (r *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	var evt domain.PositionEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	r.events = append(r.events, evt)
	return nil
}

type recordingAudit struct {
	domain.AuditStore
	events []string
}

func (r *recordingAudit) Log(_ context.Context, positionID, event string, _ map[string]any) error {
	r.events = append(r.events, event+":"+positionID)
	return nil
}

type fixedPrices struct {
	domain.PriceCache
	price decimal.Decimal
}

func (f fixedPrices) GetPrice(context.Context, string, string) (decimal.Decimal, time.Time, error) {
	if f.price.IsZero() {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return f.price, testNow, nil
}

type fundingExchange struct {
	domain.ExchangeCalls
	incomes []domain.Income
	err     error
}

func (f fundingExchange) FetchFundingIncome(context.Context, domain.Connection, string, time.Time) ([]domain.Income, error) {
	return f.incomes, f.err
}

// stubMarkets serves linear markets unless the symbol has an inverse
// contract size.
type stubMarkets struct {
	inverse map[string]decimal.Decimal
	err     error
}

func (s *stubMarkets) Market(_ context.Context, exchange, symbol string) (domain.Market, error) {
	if s.err != nil {
		return domain.Market{}, s.err
	}
	m := domain.Market{Exchange: exchange, Symbol: symbol}
	if size, ok := s.inverse[symbol]; ok {
		m.Inverse, m.ContractSize = true, size
	}
	return m, nil
}

type missCache struct{}

func (missCache) Set(context.Context, domain.Market) error { return nil }
func (missCache) Get(context.Context, string, string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (missCache) Invalidate(context.Context, string, string) error { return nil }

var errBoom = errors.New("boom")
