// Package lock grants hard (exclusive, turn-queued) and soft (same-owner
// dedup) ownership of a resource across processes and hosts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/positionengine/internal/domain"
	"github.com/alanyoungcy/positionengine/internal/retry"
)

// maxClockSkew evicts members scored this far in the future.
const maxClockSkew = time.Hour

// Config tunes the Manager.
type Config struct {
	Host            string
	HardTimeout     time.Duration
	PollInterval    time.Duration
	DefaultEstimate time.Duration
}

// Manager implements the lock contract on top of a domain.LockStore.
type Manager struct {
	store  domain.LockStore
	cfg    Config
	logger *slog.Logger

	sleep retry.SleepFunc
	now   func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock and the wait used between polls.
func WithClock(now func() time.Time, sleep retry.SleepFunc) Option {
	return func(m *Manager) {
		m.now = now
		m.sleep = sleep
	}
}

// NewManager creates a Manager.
func NewManager(store domain.LockStore, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DefaultEstimate <= 0 {
		cfg.DefaultEstimate = 60 * time.Second
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "lock")),
		sleep:  retry.TimerSleep,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// LockSoft claims key for owner in a single attempt. It fails only when a
// live member of the same owner already holds the key.
func (m *Manager) LockSoft(ctx context.Context, key, owner string) (bool, error) {
	members, now, err := m.store.Members(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lock: soft %s: %w", key, err)
	}
	live, err := m.evictStale(ctx, key, members, now)
	if err != nil {
		return false, fmt.Errorf("lock: soft %s: %w", key, err)
	}
	for _, mem := range live {
		if mem.Process == owner {
			return false, nil
		}
	}
	if _, err := m.store.Add(ctx, key, m.member(owner, domain.LockSoft, m.cfg.DefaultEstimate), true); err != nil {
		return false, fmt.Errorf("lock: soft %s: %w", key, err)
	}
	return true, nil
}

// LockHard registers owner as a hard contender and polls until it is the
// earliest live hard contender. It returns false when the wait budget runs out.
func (m *Manager) LockHard(ctx context.Context, key, owner string, estimate time.Duration) (bool, error) {
	if estimate <= 0 {
		estimate = m.cfg.DefaultEstimate
	}
	me := m.member(owner, domain.LockHard, estimate)
	if _, err := m.store.Add(ctx, key, me, true); err != nil {
		return false, fmt.Errorf("lock: hard %s: %w", key, err)
	}

	policy := retry.Policy{
		MaxElapsed: m.cfg.HardTimeout,
		Backoff:    retry.Constant(m.cfg.PollInterval),
		Sleep:      m.sleep,
		Now:        m.now,
	}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		return m.isTurn(ctx, key, me)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrRetryExhausted):
		m.logger.Warn("lock: hard lock wait timed out",
			slog.String("key", key),
			slog.String("owner", owner),
			slog.Duration("timeout", m.cfg.HardTimeout),
		)
		// Leaving the registration behind would block the next contender.
		if rmErr := m.store.Remove(context.WithoutCancel(ctx), key, me); rmErr != nil {
			m.logger.Error("lock: remove timed out contender", slog.String("key", key), slog.String("error", rmErr.Error()))
		}
		return false, nil
	default:
		return false, fmt.Errorf("lock: hard %s: %w", key, err)
	}
}

func (m *Manager) isTurn(ctx context.Context, key string, me domain.LockMember) (bool, error) {
	members, now, err := m.store.Members(ctx, key)
	if err != nil {
		return false, err
	}
	live, err := m.evictStale(ctx, key, members, now)
	if err != nil {
		return false, err
	}

	var hard []domain.LockMember
	registered := false
	for _, mem := range live {
		if mem.Type != domain.LockHard {
			continue
		}
		hard = append(hard, mem)
		if mem.Key() == me.Key() {
			registered = true
		}
	}
	if !registered {
		// Our own registration went stale and was evicted; queue again.
		if _, err := m.store.Add(ctx, key, me, true); err != nil {
			return false, err
		}
		return false, nil
	}
	sortMembers(hard)
	first := hard[0]
	return first.Process == me.Process && first.Host == me.Host, nil
}

// RemoveLocks deletes the owner's memberships of the given type. LockBoth
// removes hard and soft.
func (m *Manager) RemoveLocks(ctx context.Context, key, owner string, typ domain.LockType) error {
	members, _, err := m.store.Members(ctx, key)
	if err != nil {
		return fmt.Errorf("lock: remove %s: %w", key, err)
	}
	var mine []domain.LockMember
	for _, mem := range members {
		if mem.Process != owner || mem.Host != m.cfg.Host {
			continue
		}
		if typ == domain.LockBoth || mem.Type == typ {
			mine = append(mine, mem)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	if err := m.store.Remove(ctx, key, mine...); err != nil {
		return fmt.Errorf("lock: remove %s: %w", key, err)
	}
	return nil
}

// evictStale removes members whose score is older than their estimate or
// too far in the future, and returns the survivors.
func (m *Manager) evictStale(ctx context.Context, key string, members []domain.LockMember, now time.Time) ([]domain.LockMember, error) {
	nowMicro := now.UnixMicro()
	var live, stale []domain.LockMember
	for _, mem := range members {
		age := time.Duration(nowMicro-mem.Score) * time.Microsecond
		if age > mem.EstimatedDuration || -age > maxClockSkew {
			stale = append(stale, mem)
			continue
		}
		live = append(live, mem)
	}
	if len(stale) == 0 {
		return live, nil
	}
	if err := m.store.Remove(ctx, key, stale...); err != nil {
		return nil, err
	}
	for _, mem := range stale {
		m.logger.Info("lock: evicted stale member",
			slog.String("key", key),
			slog.String("process", mem.Process),
			slog.String("host", mem.Host),
			slog.String("type", string(mem.Type)),
		)
	}
	return live, nil
}

func (m *Manager) member(owner string, typ domain.LockType, estimate time.Duration) domain.LockMember {
	return domain.LockMember{
		Process:           owner,
		Host:              m.cfg.Host,
		Type:              typ,
		EstimatedDuration: estimate,
	}
}

func sortMembers(ms []domain.LockMember) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score < ms[j].Score
		}
		return ms[i].Key() < ms[j].Key()
	})
}
