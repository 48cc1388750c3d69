package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/service"
)

// PositionService defines the lifecycle operations the position handler exposes.
type PositionService interface {
	PnL(ctx context.Context, id string) (domain.PnL, error)
	CancelPending(ctx context.Context, id string, types ...domain.OrderType) error
	CheckLiquidation(ctx context.Context, id string) error
	ProfitSharing(ctx context.Context, id string, realized decimal.Decimal) (decimal.Decimal, error)
}

// PositionReader reads position documents.
type PositionReader interface {
	GetByID(ctx context.Context, id string) (*domain.Position, error)
	Find(ctx context.Context, f domain.PositionFilter) ([]*domain.Position, error)
}

// AuditReader lists audit entries.
type AuditReader interface {
	List(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	service   PositionService
	positions PositionReader
	audit     AuditReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(svc PositionService, positions PositionReader, audit AuditReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		service:   svc,
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type listPositionsResponse struct {
	Positions []*domain.Position `json:"positions"`
}

// ListPositions filters positions by owner and state.
// GET /api/positions?user_id=...&exchange_internal_id=...&closed=false
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	f := domain.PositionFilter{UserID: &userID, Limit: parseListOpts(r).Limit}
	if v := q.Get("exchange_internal_id"); v != "" {
		f.ExchangeInternalID = &v
	}
	if v := q.Get("symbol"); v != "" {
		f.Symbol = &v
	}
	if v := q.Get("closed"); v != "" {
		closed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "closed must be a boolean")
			return
		}
		f.Closed = &closed
	}

	positions, err := h.positions.Find(r.Context(), f)
	if err != nil {
		h.fail(w, r, "list positions", userID, err)
		return
	}
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position document.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.positions.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get position", id, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPnL values the position at the cached mark price.
// GET /api/positions/{id}/pnl
func (h *PositionHandler) GetPnL(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pnl, err := h.service.PnL(r.Context(), id)
	if err != nil {
		h.fail(w, r, "pnl", id, err)
		return
	}
	writeJSON(w, http.StatusOK, pnl)
}

// ListAudit returns the position's lifecycle transitions, newest first.
// GET /api/positions/{id}/audit
func (h *PositionHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := h.audit.List(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list audit", id, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type cancelRequest struct {
	Types []domain.OrderType `json:"types"`
}

// CancelPending cancels pending orders, optionally limited to order types.
// POST /api/positions/{id}/cancel
func (h *PositionHandler) CancelPending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	h.respondMutation(w, r, "cancel pending", id, h.service.CancelPending(r.Context(), id, req.Types...))
}

// CheckLiquidation books an exchange liquidation of the position, if any.
// POST /api/positions/{id}/liquidation-check
func (h *PositionHandler) CheckLiquidation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.respondMutation(w, r, "liquidation check", id, h.service.CheckLiquidation(r.Context(), id))
}

type profitSharingRequest struct {
	Realized decimal.Decimal `json:"realized"`
}

// ProfitSharing splits a realized payout between shared and retained profit.
// POST /api/positions/{id}/profit-sharing
func (h *PositionHandler) ProfitSharing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req profitSharingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	share, err := h.service.ProfitSharing(r.Context(), id, req.Realized)
	if err != nil {
		h.fail(w, r, "profit sharing", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positionId": id, "share": share})
}

// respondMutation answers a lifecycle mutation. Unresolved orders are
// reported as accepted-but-pending.
func (h *PositionHandler) respondMutation(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "done", "positionId": id})
	case errors.Is(err, service.ErrRetryLater):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending", "positionId": id})
	default:
		h.fail(w, r, op, id, err)
	}
}

func (h *PositionHandler) fail(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
