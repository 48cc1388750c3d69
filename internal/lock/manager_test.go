package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// memStore is an in-memory domain.LockStore.
type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	last    int64
	sets    map[string]map[string]domain.LockMember
	failing error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, sets: make(map[string]map[string]domain.LockMember)}
}

func (s *memStore) Members(_ context.Context, key string) ([]domain.LockMember, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return nil, time.Time{}, s.failing
	}
	out := make([]domain.LockMember, 0, len(s.sets[key]))
	for _, m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, s.now(), nil
}

func (s *memStore) Add(_ context.Context, key string, m domain.LockMember, onlyIfAbsent bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return 0, s.failing
	}
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]domain.LockMember)
		s.sets[key] = set
	}
	if existing, ok := set[m.Key()]; ok && onlyIfAbsent {
		return existing.Score, nil
	}
	score := s.now().UnixMicro()
	if score <= s.last {
		score = s.last + 1
	}
	s.last = score
	m.Score = score
	set[m.Key()] = m
	return score, nil
}

func (s *memStore) Remove(_ context.Context, key string, members ...domain.LockMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m.Key())
	}
	return nil
}

func (s *memStore) put(key string, m domain.LockMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[key] == nil {
		s.sets[key] = make(map[string]domain.LockMember)
	}
	s.sets[key][m.Key()] = m
}

func (s *memStore) has(key string, process string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.sets[key] {
		if m.Process == process {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(store domain.LockStore, clk *manualClock, host string) *Manager {
	return NewManager(store, Config{Host: host}, discardLogger(), WithClock(clk.Now, clk.Sleep))
}

func TestLockHard_SoleContender(t *testing.T) {
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	m := newTestManager(newMemStore(clk.Now), clk, "host-a")

	ok, err := m.LockHard(context.Background(), "position:1", "filler", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockHard_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore(clk.Now)
	a := newTestManager(store, clk, "host-a")
	b := newTestManager(store, clk, "host-b")

	ok, err := a.LockHard(ctx, "position:1", "filler", 300*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	start := clk.Now()
	ok, err = b.LockHard(ctx, "position:1", "watcher", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 120*time.Second, clk.Now().Sub(start))
	assert.False(t, store.has("position:1", "watcher"), "timed out contender is deregistered")

	require.NoError(t, a.RemoveLocks(ctx, "position:1", "filler", domain.LockHard))

	before := clk.Now()
	ok, err = b.LockHard(ctx, "position:1", "watcher", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before, clk.Now(), "released lock is acquired without waiting")
}

func TestLockHard_SameOwnerReentry(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	m := newTestManager(newMemStore(clk.Now), clk, "host-a")

	ok, err := m.LockHard(ctx, "position:1", "filler", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.LockHard(ctx, "position:1", "filler", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockHard_EvictsStaleHolder(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore(clk.Now)
	a := newTestManager(store, clk, "host-a")
	b := newTestManager(store, clk, "host-b")

	ok, err := a.LockHard(ctx, "position:1", "filler", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	start := clk.Now()
	ok, err = b.LockHard(ctx, "position:1", "watcher", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 11*time.Second, clk.Now().Sub(start))
	assert.False(t, store.has("position:1", "filler"))
}

func TestLockHard_EvictsFutureSkewedMember(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore(clk.Now)
	store.put("position:1", domain.LockMember{
		Process:           "skewed",
		Host:              "host-z",
		Type:              domain.LockHard,
		EstimatedDuration: time.Hour,
		Score:             clk.Now().Add(2 * time.Hour).UnixMicro(),
	})
	m := newTestManager(store, clk, "host-a")

	ok, err := m.LockHard(ctx, "position:1", "filler", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, store.has("position:1", "skewed"))
}

func TestLockHard_StoreFailureSurfaces(t *testing.T) {
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore(clk.Now)
	store.failing = errors.New("connection refused")
	m := newTestManager(store, clk, "host-a")

	ok, err := m.LockHard(context.Background(), "position:1", "filler", 30*time.Second)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestLockSoft(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore(clk.Now)
	m := newTestManager(store, clk, "host-a")

	ok, err := m.LockSoft(ctx, "doc:7", "scheduler")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.LockSoft(ctx, "doc:7", "scheduler")
	require.NoError(t, err)
	assert.False(t, ok, "same owner cannot soft-claim twice")

	ok, err = m.LockSoft(ctx, "doc:7", "other")
	require.NoError(t, err)
	assert.True(t, ok, "soft locks do not block other owners")

	clk.Sleep(ctx, 61*time.Second)
	ok, err = m.LockSoft(ctx, "doc:7", "scheduler")
	require.NoError(t, err)
	assert.True(t, ok, "stale soft claim is evicted")
}

func TestRemoveLocks_Both(t *testing.T) {
	ctx := context.Background()
	clk := &manualClock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore(clk.Now)
	m := newTestManager(store, clk, "host-a")

	_, err := m.LockSoft(ctx, "position:1", "filler")
	require.NoError(t, err)
	_, err = m.LockHard(ctx, "position:1", "filler", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, m.RemoveLocks(ctx, "position:1", "filler", domain.LockBoth))
	assert.False(t, store.has("position:1", "filler"))
}

func TestLockHard_ConcurrentContendersNeverOverlap(t *testing.T) {
	store := newMemStore(time.Now)
	cfg := Config{Host: "host", HardTimeout: 5 * time.Second, PollInterval: time.Millisecond}

	var holders atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for _, owner := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			m := NewManager(store, cfg, discardLogger())
			ok, err := m.LockHard(context.Background(), "position:1", owner, 30*time.Second)
			if err != nil || !ok {
				return
			}
			if holders.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			_ = m.RemoveLocks(context.Background(), "position:1", owner, domain.LockHard)
		}(owner)
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}
