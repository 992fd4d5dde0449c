package internal

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"nerdhub/internal/presence"
)

// Cache is the client's local copy of the last presence snapshot. Updates
// from the transport, the fallback and the same-device bus all go through
// the same last-writer-wins rule on Snapshot.Taken.
type Cache struct {
	mu      sync.RWMutex
	snap    presence.Snapshot
	have    bool
	timeout time.Duration
	clock   clockwork.Clock
	origin  string
	bus     Bus
	logger  *zap.Logger
	changed chan struct{}
	cancel  func()
}

type CacheOption func(*Cache)

func WithCacheClock(c clockwork.Clock) CacheOption {
	return func(cache *Cache) { cache.clock = c }
}

func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(cache *Cache) {
		if l != nil {
			cache.logger = l
		}
	}
}

// WithBus shares every accepted local update with other caches on the same
// device and merges theirs.
func WithBus(b Bus) CacheOption {
	return func(cache *Cache) { cache.bus = b }
}

// NewCache builds an empty cache. Entries older than timeout are hidden from
// reads.
func NewCache(timeout time.Duration, opts ...CacheOption) (*Cache, error) {
	if timeout <= 0 {
		timeout = presence.DefaultTimeout
	}
	c := &Cache{
		timeout: timeout,
		clock:   clockwork.NewRealClock(),
		origin:  ksuid.New().String(),
		logger:  zap.NewNop(),
		changed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus != nil {
		cancel, err := c.bus.Subscribe(c.onBus)
		if err != nil {
			return nil, err
		}
		c.cancel = cancel
	}
	return c, nil
}

// Origin identifies this cache on the bus.
func (c *Cache) Origin() string { return c.origin }

// Apply stores a snapshot received by this client and forwards it to the bus.
// It reports whether the snapshot was newer than the cached one.
func (c *Cache) Apply(snap presence.Snapshot) bool {
	if !c.store(snap) {
		return false
	}
	if c.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.bus.Publish(ctx, BusMessage{Origin: c.origin, Snapshot: snap}); err != nil {
			c.logger.Debug("bus publish failed", zap.Error(err))
		}
	}
	return true
}

// Merge stores a snapshot from another tab or process without re-broadcasting it.
func (c *Cache) Merge(snap presence.Snapshot) bool {
	return c.store(snap)
}

func (c *Cache) onBus(msg BusMessage) {
	if msg.Origin == c.origin {
		return
	}
	if c.Merge(msg.Snapshot) {
		c.logger.Debug("merged snapshot from bus", zap.String("origin", msg.Origin), zap.Uint64("seq", msg.Snapshot.Seq))
	}
}

func (c *Cache) store(snap presence.Snapshot) bool {
	c.mu.Lock()
	if c.have && !newer(snap, c.snap) {
		c.mu.Unlock()
		return false
	}
	if snap.Entries == nil {
		snap.Entries = []presence.Entry{}
	}
	c.snap = snap
	c.have = true
	c.mu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
	return true
}

// newer is the last-writer-wins rule. Seq only breaks ties between
// snapshots taken at the same instant.
func newer(candidate, current presence.Snapshot) bool {
	if candidate.Taken.After(current.Taken) {
		return true
	}
	return candidate.Taken.Equal(current.Taken) && candidate.Seq > current.Seq
}

// Snapshot returns the cached snapshot with stale entries removed.
func (c *Cache) Snapshot() presence.Snapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	return snap.Active(c.clock.Now(), c.timeout)
}

func (c *Cache) CountByBuilding(buildingID string) int {
	return c.Snapshot().CountByBuilding(buildingID)
}

func (c *Cache) Counts() map[string]int {
	return c.Snapshot().Counts()
}

// Total is the number of users currently considered online.
func (c *Cache) Total() int {
	return len(c.Snapshot().Entries)
}

// LastTaken is the Taken time of the cached snapshot, zero if empty.
func (c *Cache) LastTaken() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Taken
}

// Changes fires after the cache accepted a new snapshot.
func (c *Cache) Changes() <-chan struct{} {
	return c.changed
}

func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
