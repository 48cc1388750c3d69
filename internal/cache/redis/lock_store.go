package redis

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

//go:embed scripts/lock_add.lua
var lockAddLua string

// LockStore implements domain.LockStore with one sorted set per resource.
// Scores are issued by the Lua script from the server clock so they are
// strictly increasing across every process sharing the server.
//
// Key schema:
//
//	lock:{key}      - sorted set of encoded members
//	lock:{key}:seq  - last issued score
type LockStore struct {
	client *Client
	add    *redis.Script
	logger *slog.Logger
}

// NewLockStore creates a LockStore backed by the given Client.
func NewLockStore(c *Client, logger *slog.Logger) *LockStore {
	return &LockStore{
		client: c,
		add:    redis.NewScript(lockAddLua),
		logger: logger.With(slog.String("component", "lock_store")),
	}
}

func lockSetKey(key string) string { return "lock:{" + key + "}" }
func lockSeqKey(key string) string { return "lock:{" + key + "}:seq" }

// Members returns the contenders for key ordered by score along with the
// server's current time.
func (s *LockStore) Members(ctx context.Context, key string) ([]domain.LockMember, time.Time, error) {
	if err := s.client.Ensure(ctx); err != nil {
		return nil, time.Time{}, err
	}
	pipe := s.client.Underlying().Pipeline()
	rangeCmd := pipe.ZRangeWithScores(ctx, lockSetKey(key), 0, -1)
	timeCmd := pipe.Time(ctx)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: lock members %s: %w", key, err)
	}

	now, err := timeCmd.Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: lock members %s: time: %w", key, err)
	}
	zs, err := rangeCmd.Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: lock members %s: %w", key, err)
	}
	members := make([]domain.LockMember, 0, len(zs))
	for _, z := range zs {
		raw, ok := z.Member.(string)
		if !ok {
			continue
		}
		m, err := domain.ParseLockMember(raw, int64(z.Score))
		if err != nil {
			s.logger.Warn("redis: skipping malformed lock member",
				slog.String("key", key),
				slog.String("member", raw),
				slog.String("error", err.Error()),
			)
			continue
		}
		members = append(members, m)
	}
	return members, now, nil
}

// Add registers m under key and returns the score it holds.
func (s *LockStore) Add(ctx context.Context, key string, m domain.LockMember, onlyIfAbsent bool) (int64, error) {
	if err := s.client.Ensure(ctx); err != nil {
		return 0, err
	}
	nx := "0"
	if onlyIfAbsent {
		nx = "1"
	}
	score, err := s.add.Run(ctx, s.client.Underlying(),
		[]string{lockSetKey(key), lockSeqKey(key)}, m.Key(), nx).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: lock add %s: %w", key, err)
	}
	return score, nil
}

// Remove deletes members from key. Absent members are ignored.
func (s *LockStore) Remove(ctx context.Context, key string, members ...domain.LockMember) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.Ensure(ctx); err != nil {
		return err
	}
	keys := make([]interface{}, len(members))
	for i, m := range members {
		keys[i] = m.Key()
	}
	if err := s.client.Underlying().ZRem(ctx, lockSetKey(key), keys...).Err(); err != nil {
		return fmt.Errorf("redis: lock remove %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.LockStore = (*LockStore)(nil)
