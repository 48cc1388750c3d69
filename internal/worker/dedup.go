package worker

import (
	"sync"
	"time"
)

// Dedup remembers recently completed message ids so a redelivered message is
// skipped. It holds at most capacity ids; the oldest is evicted first. It is
// safe for concurrent use.
type Dedup struct {
	seen     map[string]time.Time // id -> completion time
	ttl      time.Duration
	capacity int
	now      func() time.Time
	mu       sync.Mutex
}

// NewDedup creates a Dedup that treats an id as seen for ttl after it was
// remembered.
func NewDedup(ttl time.Duration, capacity int, now func() time.Time) *Dedup {
	if capacity <= 0 {
		capacity = 10_000
	}
	if now == nil {
		now = time.Now
	}
	return &Dedup{
		seen:     make(map[string]time.Time),
		ttl:      ttl,
		capacity: capacity,
		now:      now,
	}
}

// Seen reports whether id completed within the TTL window.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[id]
	return ok && d.now().Sub(at) < d.ttl
}

// Remember records id as completed now.
func (d *Dedup) Remember(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; !ok && len(d.seen) >= d.capacity {
		d.cleanupLocked()
		if len(d.seen) >= d.capacity {
			d.evictOldestLocked()
		}
	}
	d.seen[id] = d.now()
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanupLocked()
}

func (d *Dedup) cleanupLocked() {
	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

func (d *Dedup) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, ts := range d.seen {
		if oldestID == "" || ts.Before(oldest) {
			oldestID, oldest = id, ts
		}
	}
	delete(d.seen, oldestID)
}
