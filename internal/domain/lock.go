package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LockType is hard (exclusive, queued) or soft (same-owner dedup).
type LockType string

const (
	LockHard LockType = "hard"
	LockSoft LockType = "soft"
	LockBoth LockType = "both"
)

// LockMember is one contender in a resource's ordered set.
type LockMember struct {
	Process           string
	Host              string
	Type              LockType
	EstimatedDuration time.Duration
	// Score is the insertion time in microseconds since epoch.
	Score int64
}

// Key encodes the member without its score.
func (m LockMember) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", m.Process, m.Host, m.Type, int64(m.EstimatedDuration/time.Second))
}

// ParseLockMember decodes a member key produced by Key.
func ParseLockMember(key string, score int64) (LockMember, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return LockMember{}, fmt.Errorf("lock member %q: want 4 fields, got %d", key, len(parts))
	}
	secs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return LockMember{}, fmt.Errorf("lock member %q: %w", key, err)
	}
	return LockMember{
		Process:           parts[0],
		Host:              parts[1],
		Type:              LockType(parts[2]),
		EstimatedDuration: time.Duration(secs) * time.Second,
		Score:             score,
	}, nil
}

// LockStore is an ordered set per resource key. Scores are assigned by the
// store from its own clock and are strictly increasing across all callers.
type LockStore interface {
	// Members returns the members ordered by score and the store's current time.
	Members(ctx context.Context, key string) ([]LockMember, time.Time, error)
	// Add inserts m and returns its score. With onlyIfAbsent an existing
	// member keeps its original score.
	Add(ctx context.Context, key string, m LockMember, onlyIfAbsent bool) (int64, error)
	Remove(ctx context.Context, key string, members ...LockMember) error
}
