package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/accounting"
	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/reconcile"
)

// mutation changes a claimed position in memory.
type mutation func(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error)

// HandleOrderEvent reconciles one exchange order event into its position.
func (s *PositionService) HandleOrderEvent(ctx context.Context, evt domain.OrderEvent) error {
	var fn mutation
	switch evt.Kind {
	case domain.EventFilled:
		fn = func(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error) {
			return s.Engine.ApplyFill(ctx, pos, evt.OrderID, evt.Trades, evt.ExitTrigger)
		}
	case domain.EventCanceled, domain.EventCancelRequest:
		fn = func(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error) {
			return s.Engine.CancelOrder(ctx, pos, evt.OrderID)
		}
	case domain.EventExpired:
		fn = func(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error) {
			return s.Engine.Expire(ctx, pos, evt.OrderID)
		}
	case domain.EventForced:
		fn = s.Engine.CheckLiquidation
	default:
		return fmt.Errorf("position_service: event %s: unknown kind %q", evt.ID, evt.Kind)
	}
	return s.withPosition(ctx, evt.PositionID, "order."+string(evt.Kind), fn)
}

// CancelPending cancels every pending order of the given types.
func (s *PositionService) CancelPending(ctx context.Context, id string, types ...domain.OrderType) error {
	return s.withPosition(ctx, id, "position.cancel_pending", func(ctx context.Context, pos *domain.Position) (reconcile.Outcome, error) {
		return s.Engine.CancelAllPending(ctx, pos, types...)
	})
}

// CheckLiquidation books an exchange liquidation of the position, if any.
func (s *PositionService) CheckLiquidation(ctx context.Context, id string) error {
	return s.withPosition(ctx, id, "position.liquidation_check", s.Engine.CheckLiquidation)
}

// SweepLiquidations checks every open derivatives position. Positions busy
// in another process are skipped.
func (s *PositionService) SweepLiquidations(ctx context.Context) (int, error) {
	open, err := s.Positions.Find(ctx, domain.PositionFilter{
		Closed:       domain.Ref(false),
		ExchangeType: domain.Ref(domain.ExchangeFutures),
	})
	if err != nil {
		return 0, fmt.Errorf("position_service: sweep: %w", err)
	}
	var errs []error
	checked := 0
	for _, pos := range open {
		if ctx.Err() != nil {
			break
		}
		if !pos.BuyPerformed || pos.RemainAmount.IsZero() {
			continue
		}
		err := s.CheckLiquidation(ctx, pos.ID)
		switch {
		case err == nil:
			checked++
		case errors.Is(err, domain.ErrLockTimeout), errors.Is(err, domain.ErrLockHeld):
			s.logger.DebugContext(ctx, "position_service: sweep skipped busy position", slog.String("position_id", pos.ID))
		default:
			errs = append(errs, err)
		}
	}
	return checked, errors.Join(errs...)
}

// withPosition serialises fn against every other worker: hard lock, then
// document claim, then one guarded save of whatever fn changed.
func (s *PositionService) withPosition(ctx context.Context, id, event string, fn mutation) error {
	key := lockKey(id)
	ok, err := s.Locks.LockHard(ctx, key, s.cfg.Process, s.cfg.LockEstimate)
	if err != nil {
		return fmt.Errorf("position_service: %s %s: %w", event, id, err)
	}
	if !ok {
		return fmt.Errorf("position_service: %s %s: %w", event, id, domain.ErrLockTimeout)
	}
	defer s.releaseLocks(ctx, key, domain.LockHard)

	owner := domain.LockOwner{LockID: s.newID(), Process: s.cfg.Process, Host: s.cfg.Host}
	pos, err := s.Positions.Lock(ctx, id, owner, s.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("position_service: %s %s: %w", event, id, err)
	}
	defer s.unlock(ctx, id, owner.LockID)

	if pos.Closed {
		s.logger.DebugContext(ctx, "position_service: position already closed",
			slog.String("position_id", id),
			slog.String("event", event),
		)
		return nil
	}

	// Contract terms are resolved before anything is derived from them. The
	// event is kept for redelivery while the market cannot be loaded.
	h, err := s.costs(ctx, pos)
	if err != nil {
		return fmt.Errorf("position_service: %s %s: %w: %v", event, id, ErrRetryLater, err)
	}

	out, fnErr := fn(ctx, pos)
	if errors.Is(fnErr, domain.ErrPositionClosed) {
		return nil
	}

	if out.Closed && !pos.Accounted {
		s.finalizeAccounting(ctx, pos, h)
	}
	if err := s.Positions.Save(ctx, pos, owner.LockID); err != nil {
		if errors.Is(err, domain.ErrPositionClosed) {
			s.logger.WarnContext(ctx, "position_service: position closed concurrently, changes dropped",
				slog.String("position_id", id),
				slog.String("event", event),
			)
			return nil
		}
		return errors.Join(fmt.Errorf("position_service: save %s: %w", id, err), fnErr)
	}

	alerts := out.Alerts
	if out.CredentialFailure {
		// closeConnection sends one alert for the whole connection.
		alerts = slices.DeleteFunc(slices.Clone(alerts), func(a domain.Alert) bool {
			return a.Event == domain.AlertCredentialsInvalid
		})
	}
	s.alert(ctx, alerts)
	s.publish(ctx, pos)
	detail := map[string]any{
		"status":      int(pos.Status),
		"status_text": pos.Status.String(),
		"closed":      pos.Closed,
		"version":     pos.Version,
	}
	if fnErr != nil {
		detail["error"] = fnErr.Error()
	}
	s.audit(ctx, pos, event, detail)

	if out.CredentialFailure {
		s.closeConnection(ctx, pos.Connection(), pos.ID)
	}
	if fnErr != nil {
		return fmt.Errorf("position_service: %s %s: %w", event, id, fnErr)
	}
	if out.Retry {
		return fmt.Errorf("position_service: %s %s: %w", event, id, ErrRetryLater)
	}
	return nil
}

// finalizeAccounting writes the close-time accounting record. Funding fees
// are best effort: a failed lookup is logged and counted as zero.
func (s *PositionService) finalizeAccounting(ctx context.Context, pos *domain.Position, h domain.ExchangeHandler) {
	funding := decimal.Zero
	if pos.IsFutures() && pos.BuyPerformed {
		incomes, err := s.Exchange.FetchFundingIncome(ctx, pos.Connection(), pos.Symbol, pos.CreatedAt)
		if err != nil {
			s.logger.WarnContext(ctx, "position_service: funding income unavailable",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		} else {
			funding = accounting.FundingFees(h, pos.Symbol, incomes)
		}
	}
	closedAt := s.now().UTC()
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	}
	pos.Accounting = accounting.CloseAccounting(h, pos, funding, pos.AllocatedBalance, closedAt)
	pos.Accounted = true
}

// closeConnection closes every other open position of conn with the
// invalid-keys status after the exchange rejected its credentials. One
// alert covers the whole connection.
func (s *PositionService) closeConnection(ctx context.Context, conn domain.Connection, originID string) {
	open, err := s.Positions.Find(ctx, domain.PositionFilter{
		UserID:             domain.Ref(conn.UserID),
		ExchangeInternalID: domain.Ref(conn.ExchangeInternalID),
		Closed:             domain.Ref(false),
		ExcludeID:          domain.Ref(originID),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "position_service: list connection positions failed",
			slog.String("user_id", conn.UserID),
			slog.String("error", err.Error()),
		)
		return
	}

	closed := 0
	for _, p := range open {
		owner := domain.LockOwner{LockID: s.newID(), Process: s.cfg.Process, Host: s.cfg.Host}
		pos, err := s.Positions.Lock(ctx, p.ID, owner, s.cfg.StaleAfter)
		if err != nil {
			s.logger.WarnContext(ctx, "position_service: cannot claim position for key failure close",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !pos.Closed {
			pos.Close(domain.StatusInvalidKeys, s.now().UTC())
			if err := s.Positions.Save(ctx, pos, owner.LockID); err != nil {
				s.logger.WarnContext(ctx, "position_service: key failure close not saved",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
			} else {
				closed++
				s.publish(ctx, pos)
				s.audit(ctx, pos, "position.credentials_closed", map[string]any{"origin": originID})
			}
		}
		s.unlock(ctx, p.ID, owner.LockID)
	}

	s.logger.WarnContext(ctx, "position_service: connection positions closed on invalid keys",
		slog.String("user_id", conn.UserID),
		slog.String("exchange_internal_id", conn.ExchangeInternalID),
		slog.Int("closed", closed),
	)
	s.alert(ctx, []domain.Alert{{
		Event:      domain.AlertCredentialsInvalid,
		PositionID: conn.UserID + "/" + conn.ExchangeInternalID,
		Title:      "Exchange keys invalid",
		Message: fmt.Sprintf("Exchange %s rejected the API keys of user %s; %d other open position(s) were closed.",
			conn.ExchangeName, conn.UserID, closed),
	}})
}
