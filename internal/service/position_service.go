// Package service runs position lifecycle operations end to end: it takes
// the distributed lock, claims the position document, applies admission or
// reconciliation, persists the result with a guarded write and fans out
// events, audit entries and alerts.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/admission"
	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/reconcile"
)

// ErrRetryLater reports that the event could not be fully applied yet,
// because orders are unresolved or the market is unavailable. The
// triggering event should be delivered again.
var ErrRetryLater = errors.New("position cannot be settled yet")

// Locker is the distributed lock manager.
type Locker interface {
	LockSoft(ctx context.Context, key, owner string) (bool, error)
	LockHard(ctx context.Context, key, owner string, estimate time.Duration) (bool, error)
	RemoveLocks(ctx context.Context, key, owner string, typ domain.LockType) error
}

// Admitter decides whether a draft may open.
type Admitter interface {
	Evaluate(ctx context.Context, draft *domain.Draft) (admission.Decision, error)
}

// Reconciler folds exchange order state into a position.
type Reconciler interface {
	ApplyFill(ctx context.Context, pos *domain.Position, orderID string, trades []domain.Trade, hint domain.ExitTrigger) (reconcile.Outcome, error)
	CancelOrder(ctx context.Context, pos *domain.Position, orderID string) (reconcile.Outcome, error)
	CancelAllPending(ctx context.Context, pos *domain.Position, types ...domain.OrderType) (reconcile.Outcome, error)
	Expire(ctx context.Context, pos *domain.Position, orderID string) (reconcile.Outcome, error)
	CheckLiquidation(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, a domain.Alert) error
}

// Config identifies this process and tunes locking.
type Config struct {
	Process string
	Host    string
	// LockEstimate is the expected hold time announced with hard locks.
	LockEstimate time.Duration
	// StaleAfter reclaims a position document lock older than this.
	StaleAfter   time.Duration
	EventChannel string
}

// Deps are the collaborators of a PositionService.
type Deps struct {
	Positions domain.PositionStore
	Audit     domain.AuditStore
	Prices    domain.PriceCache
	Bus       domain.SignalBus
	Exchange  domain.ExchangeCalls
	Handlers  domain.HandlerSource
	Locks     Locker
	Admission Admitter
	Engine    Reconciler
	Alerts    Alerter
}

// PositionService implements the position lifecycle operations.
type PositionService struct {
	Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option customises a PositionService.
type Option func(*PositionService)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *PositionService) { s.now = now }
}

// WithIDs replaces the id generator.
func WithIDs(newID func() string) Option {
	return func(s *PositionService) { s.newID = newID }
}

// NewPositionService creates a PositionService.
func NewPositionService(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) *PositionService {
	if cfg.LockEstimate <= 0 {
		cfg.LockEstimate = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	if cfg.EventChannel == "" {
		cfg.EventChannel = "positions"
	}
	s := &PositionService{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "position_service")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// lockKey is the distributed lock resource for a position.
func lockKey(positionID string) string { return "position:" + positionID }

// openKey guards one signal of one user against concurrent opens. Drafts
// without a signal id fall back to the position id.
func openKey(pos *domain.Position) string {
	if pos.SignalID == "" {
		return "open:" + pos.UserID + ":" + pos.ID
	}
	return "open:" + pos.UserID + ":" + pos.ProviderID + ":" + pos.SignalID
}

func (s *PositionService) costs(ctx context.Context, pos *domain.Position) (domain.ExchangeHandler, error) {
	h, err := s.Handlers.Handler(ctx, pos.ExchangeName, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("position_service: position %s: %w", pos.ID, err)
	}
	return h, nil
}

// Open persists a composed draft, runs admission and records the verdict.
// The position is created locked to this process so no other worker acts on
// it before the verdict is saved.
func (s *PositionService) Open(ctx context.Context, draft *domain.Draft) (*domain.Position, error) {
	if draft == nil || draft.Position == nil {
		return nil, errors.New("position_service: draft without position")
	}
	pos := draft.Position
	if pos.ID == "" {
		pos.ID = s.newID()
	}
	if pos.ProviderID == "" {
		pos.ProviderID = draft.Signal.ProviderID
	}
	if pos.SignalID == "" {
		pos.SignalID = draft.Signal.ID
	}

	softKey := openKey(pos)
	ok, err := s.Locks.LockSoft(ctx, softKey, s.cfg.Process)
	if err != nil {
		return nil, fmt.Errorf("position_service: open %s: %w", pos.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("position_service: open %s: %w", pos.ID, domain.ErrLockHeld)
	}
	defer s.releaseLocks(ctx, softKey, domain.LockSoft)

	now := s.now().UTC()
	if pos.AllocatedBalance.IsZero() {
		pos.AllocatedBalance = draft.Provider.AllocatedBalance
	}
	pos.NormalizeRatios()
	pos.Status = domain.StatusCreated
	pos.Closed = false
	pos.CreatedAt = now
	pos.UpdatedAt = now

	owner := domain.LockOwner{LockID: s.newID(), Process: s.cfg.Process, Host: s.cfg.Host}
	pos.Locked = true
	pos.LockID = owner.LockID
	pos.LockedBy = owner.Process
	pos.LockedFrom = owner.Host
	pos.LockedAt = &now

	if err := s.Positions.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("position_service: create %s: %w", pos.ID, err)
	}

	event := "position.opened"
	decision, err := s.Admission.Evaluate(ctx, draft)
	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "position_service: admission failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		pos.Note(err.Error())
		pos.Close(domain.StatusAdmissionError, s.now().UTC())
		event = "position.rejected"
	case !decision.Allowed:
		event = "position.rejected"
	default:
		pos.Status = domain.StatusEntryPlaced
	}

	if err := s.Positions.Save(ctx, pos, owner.LockID); err != nil {
		s.unlock(ctx, pos.ID, owner.LockID)
		return nil, fmt.Errorf("position_service: save %s: %w", pos.ID, err)
	}
	s.unlock(ctx, pos.ID, owner.LockID)

	s.publish(ctx, pos)
	s.audit(ctx, pos, event, map[string]any{
		"status":      int(pos.Status),
		"status_text": pos.Status.String(),
		"rule":        decision.Rule,
		"signal_id":   pos.SignalID,
	})
	s.logger.InfoContext(ctx, "position_service: position admitted",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Bool("allowed", !pos.Closed),
		slog.String("status", pos.Status.String()),
	)
	return pos, nil
}

// PnL values a position at the cached mark price.
func (s *PositionService) PnL(ctx context.Context, id string) (domain.PnL, error) {
	pos, err := s.Positions.GetByID(ctx, id)
	if err != nil {
		return domain.PnL{}, fmt.Errorf("position_service: pnl %s: %w", id, err)
	}
	price, _, err := s.Prices.GetPrice(ctx, pos.ExchangeName, pos.Symbol)
	if err != nil {
		return domain.PnL{}, fmt.Errorf("position_service: pnl %s: mark price %s: %w", id, pos.Symbol, err)
	}
	h, err := s.costs(ctx, pos)
	if err != nil {
		return domain.PnL{}, err
	}
	pnl := accounting.UnrealizedAndRealizedPnL(h, pos, price)
	pnl.LockedAmount = accounting.LockedAmount(pos)
	pnl.LockedInvestment = accounting.LockedInvestmentFromEntries(h, pos)
	return pnl, nil
}

// ProfitSharing splits a realized payout of the position into the share
// paid out now and updates the retained remainder.
func (s *PositionService) ProfitSharing(ctx context.Context, id string, realized decimal.Decimal) (decimal.Decimal, error) {
	var share decimal.Decimal
	err := s.withPosition(ctx, id, "position.profit_shared", func(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error) {
		price, _, err := s.Prices.GetPrice(ctx, pos.ExchangeName, pos.Symbol)
		if err != nil {
			return reconcile.Outcome{}, fmt.Errorf("mark price %s: %w", pos.Symbol, err)
		}
		h, err := s.costs(ctx, pos)
		if err != nil {
			return reconcile.Outcome{}, err
		}
		pnl := accounting.UnrealizedAndRealizedPnL(h, pos, price)
		var retain decimal.Decimal
		share, retain = accounting.ProfitSharing(pnl.Unrealized, realized, pos.ProfitRetain)
		pos.ProfitRetain = domain.Fix(retain)
		return reconcile.Outcome{}, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return share, nil
}

func (s *PositionService) releaseLocks(ctx context.Context, key string, typ domain.LockType) {
	if err := s.Locks.RemoveLocks(context.WithoutCancel(ctx), key, s.cfg.Process, typ); err != nil {
		s.logger.WarnContext(ctx, "position_service: remove locks failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) unlock(ctx context.Context, id, lockID string) {
	if err := s.Positions.Unlock(context.WithoutCancel(ctx), id, lockID); err != nil {
		s.logger.WarnContext(ctx, "position_service: unlock failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) publish(ctx context.Context, pos *domain.Position) {
	evt, err := json.Marshal(domain.PositionEvent{
		PositionID:   pos.ID,
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Status:       pos.Status,
		StatusText:   pos.Status.String(),
		Closed:       pos.Closed,
		RemainAmount: pos.RemainAmount,
		At:           s.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.Bus.Publish(ctx, s.cfg.EventChannel, evt); err != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) audit(ctx context.Context, pos *domain.Position, event string, detail map[string]any) {
	if err := s.Audit.Log(ctx, pos.ID, event, detail); err != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) alert(ctx context.Context, alerts []domain.Alert) {
	for _, a := range alerts {
		if err := s.Alerts.Notify(ctx, a); err != nil {
			s.logger.WarnContext(ctx, "position_service: alert failed",
				slog.String("event", a.Event),
				slog.String("position_id", a.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
}
