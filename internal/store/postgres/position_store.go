package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. The full
// position is kept as a JSONB document; the fields used for filtering and
// locking are mirrored into indexed columns, and the lock columns are the
// source of truth for lock state.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `doc, version, locked, lock_id, locked_by, locked_from, locked_at`

func scanPositionRow(row pgx.Row) (*domain.Position, error) {
	var (
		doc                          []byte
		p                            domain.Position
		version                      int64
		locked                       bool
		lockID, lockedBy, lockedFrom string
		lockedAt                     *time.Time
	)
	if err := row.Scan(&doc, &version, &locked, &lockID, &lockedBy, &lockedFrom, &lockedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	p.Version = version
	p.Locked = locked
	p.LockID = lockID
	p.LockedBy = lockedBy
	p.LockedFrom = lockedFrom
	p.LockedAt = lockedAt
	return &p, nil
}

func scanPositionRows(rows pgx.Rows) ([]*domain.Position, error) {
	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position, including any lock its creator holds.
func (s *PositionStore) Create(ctx context.Context, p *domain.Position) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, user_id, exchange_internal_id, exchange_type, symbol, side,
			provider_id, signal_id, closed, status, real_investment,
			locked, lock_id, locked_by, locked_from, locked_at,
			version, doc, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11::numeric,
			$12, $13, $14, $15, $16,
			$17, $18, $19, NOW(), $20
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.ExchangeInternalID, string(p.ExchangeType), p.Symbol, string(p.Side),
		p.ProviderID, p.SignalID, p.Closed, int(p.Status), p.RealInvestment.String(),
		p.Locked, p.LockID, p.LockedBy, p.LockedFrom, p.LockedAt,
		p.Version, doc, p.CreatedAt, p.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Lock claims the document for owner in one conditional update. The claim
// succeeds when the document is unlocked, already held by owner.LockID, or
// held by a lock older than staleAfter.
func (s *PositionStore) Lock(ctx context.Context, id string, owner domain.LockOwner, staleAfter time.Duration) (*domain.Position, error) {
	const query = `
		UPDATE positions SET
			locked      = TRUE,
			lock_id     = $2,
			locked_by   = $3,
			locked_from = $4,
			locked_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1
		  AND (NOT locked OR lock_id = $2 OR locked_at IS NULL
		       OR locked_at < NOW() - make_interval(secs => $5))
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query, id, owner.LockID, owner.Process, owner.Host, staleAfter.Seconds())
	p, err := scanPositionRow(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: lock position %s: %w", id, err)
	}
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return nil, fmt.Errorf("postgres: lock position %s: %w", id, domain.ErrNotFound)
	}
	return nil, fmt.Errorf("postgres: lock position %s: %w", id, domain.ErrLockHeld)
}

// Save writes the document and its indexed columns in a single update
// guarded by the lock id and by the stored position still being open.
// The stored version is bumped and copied back into p.
func (s *PositionStore) Save(ctx context.Context, p *domain.Position, lockID string) error {
	p.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", p.ID, err)
	}

	const query = `
		UPDATE positions SET
			side            = $3,
			closed          = $4,
			status          = $5,
			real_investment = $6::numeric,
			doc             = $7,
			closed_at       = $8,
			version         = version + 1,
			updated_at      = NOW()
		WHERE id = $1 AND locked AND lock_id = $2 AND NOT closed
		RETURNING version`

	var version int64
	err = s.pool.QueryRow(ctx, query,
		p.ID, lockID, string(p.Side), p.Closed, int(p.Status),
		p.RealInvestment.String(), doc, p.ClosedAt,
	).Scan(&version)
	if err == nil {
		p.Version = version
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}

	current, getErr := s.GetByID(ctx, p.ID)
	switch {
	case getErr != nil:
		return fmt.Errorf("postgres: save position %s: %w", p.ID, getErr)
	case current.Closed:
		return fmt.Errorf("postgres: save position %s: %w", p.ID, domain.ErrPositionClosed)
	default:
		return fmt.Errorf("postgres: save position %s: %w", p.ID, domain.ErrLockLost)
	}
}

// Unlock releases the document if lockID still holds it.
func (s *PositionStore) Unlock(ctx context.Context, id, lockID string) error {
	const query = `
		UPDATE positions SET
			locked      = FALSE,
			lock_id     = '',
			locked_by   = '',
			locked_from = '',
			locked_at   = NULL,
			updated_at  = NOW()
		WHERE id = $1 AND lock_id = $2`

	tag, err := s.pool.Exec(ctx, query, id, lockID)
	if err != nil {
		return fmt.Errorf("postgres: unlock position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: unlock position %s: %w", id, domain.ErrLockLost)
	}
	return nil
}

// Count returns how many positions match f.
func (s *PositionStore) Count(ctx context.Context, f domain.PositionFilter) (int64, error) {
	where, args := buildFilter(f)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

// Find returns the positions matching f, oldest first.
func (s *PositionStore) Find(ctx context.Context, f domain.PositionFilter) ([]*domain.Position, error) {
	where, args := buildFilter(f)
	query := `SELECT ` + positionSelectCols + ` FROM positions` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// SumOpenInvestment totals real_investment over the positions matching f.
func (s *PositionStore) SumOpenInvestment(ctx context.Context, f domain.PositionFilter) (decimal.Decimal, error) {
	where, args := buildFilter(f)
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(real_investment), 0)::TEXT FROM positions`+where, args...,
	).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum investment: %w", err)
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse investment sum %q: %w", raw, err)
	}
	return total, nil
}

// ListClosedBefore returns up to limit positions closed before cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE closed AND closed_at < $1
		 ORDER BY closed_at, id
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Delete removes closed positions by id and returns how many were removed.
func (s *PositionStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = ANY($1) AND closed`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildFilter renders f as a WHERE clause with positional arguments.
func buildFilter(f domain.PositionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.UserID != nil {
		add("user_id", *f.UserID)
	}
	if f.ExchangeInternalID != nil {
		add("exchange_internal_id", *f.ExchangeInternalID)
	}
	if f.ExchangeType != nil {
		add("exchange_type", string(*f.ExchangeType))
	}
	if f.Symbol != nil {
		add("symbol", *f.Symbol)
	}
	if f.Side != nil {
		add("side", string(*f.Side))
	}
	if f.Closed != nil {
		add("closed", *f.Closed)
	}
	if f.ProviderID != nil {
		add("provider_id", *f.ProviderID)
	}
	if f.SignalID != nil {
		add("signal_id", *f.SignalID)
	}
	if f.ExcludeID != nil {
		args = append(args, *f.ExcludeID)
		conds = append(conds, fmt.Sprintf("id <> $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
