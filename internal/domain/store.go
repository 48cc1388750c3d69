package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionFilter is a compound equality filter over indexed position fields.
// Nil fields are not constrained.
type PositionFilter struct {
	UserID             *string
	ExchangeInternalID *string
	Symbol             *string
	Side               *Side
	Closed             *bool
	ProviderID         *string
	SignalID           *string
	ExchangeType       *ExchangeType
	ExcludeID          *string
	Limit              int
}

// PositionStore persists position documents. Every mutation of an existing
// position is one atomic conditional update keyed on the lock owner.
type PositionStore interface {
	Create(ctx context.Context, pos *Position) error
	GetByID(ctx context.Context, id string) (*Position, error)
	// Lock claims the document for owner unless another live owner holds it.
	// A lock older than staleAfter is reclaimed.
	Lock(ctx context.Context, id string, owner LockOwner, staleAfter time.Duration) (*Position, error)
	// Save writes pos only if lockID still owns it.
	Save(ctx context.Context, pos *Position, lockID string) error
	Unlock(ctx context.Context, id, lockID string) error
	Count(ctx context.Context, f PositionFilter) (int64, error)
	Find(ctx context.Context, f PositionFilter) ([]*Position, error)
	SumOpenInvestment(ctx context.Context, f PositionFilter) (decimal.Decimal, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Position, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

// LockOwner identifies who holds a position document.
type LockOwner struct {
	LockID  string
	Process string
	Host    string
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID         int64
	PositionID string
	Event      string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditStore persists an append-only log of position lifecycle transitions.
type AuditStore interface {
	Log(ctx context.Context, positionID, event string, detail map[string]any) error
	// List returns entries newest first; an empty positionID lists all.
	List(ctx context.Context, positionID string, opts ListOpts) ([]AuditEntry, error)
}

// Ref returns a pointer to v, for building filters.
func Ref[T any](v T) *T { return &v }
