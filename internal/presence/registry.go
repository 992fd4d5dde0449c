package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Observer receives every snapshot the registry publishes. Publish is called
// without the registry lock held and may see snapshots out of Seq order;
// implementations drop anything not newer than what they already have.
type Observer interface {
	Publish(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) Publish(s Snapshot) { f(s) }

// Registry is the authoritative set of who is in which building. The entry
// map is only reachable through the methods below, all serialized by mu.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	seq     uint64

	clock    clockwork.Clock
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTimeout sets how long an entry survives without a heartbeat.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSweepInterval sets the period of Run's eviction sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]Entry),
		clock:     clockwork.NewRealClock(),
		timeout:   DefaultTimeout,
		interval:  DefaultSweepInterval,
		logger:    zap.NewNop(),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the eviction threshold.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// SweepInterval returns the period used by Run.
func (r *Registry) SweepInterval() time.Duration { return r.interval }

// Subscribe registers an observer and returns a function that removes it.
func (r *Registry) Subscribe(o Observer) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = o
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

// Join records userID in buildingID, replacing any previous entry. Unverified
// or incomplete joins change nothing and report false.
func (r *Registry) Join(userID, buildingID string, verified bool) (Snapshot, bool) {
	if !verified || userID == "" || buildingID == "" {
		return r.Snapshot(), false
	}
	r.mu.Lock()
	prev, had := r.entries[userID]
	r.entries[userID] = Entry{
		UserID:     userID,
		BuildingID: buildingID,
		LastSeen:   r.clock.Now(),
		Verified:   true,
	}
	snap := r.cutLocked(nil)
	r.mu.Unlock()

	switch {
	case !had:
		r.logger.Info("user joined", zap.String("user", userID), zap.String("building", buildingID), zap.Int("total", len(snap.Entries)))
	case prev.BuildingID != buildingID:
		r.logger.Info("user switched building", zap.String("user", userID), zap.String("from", prev.BuildingID), zap.String("to", buildingID))
	default:
		r.logger.Debug("user rejoined", zap.String("user", userID), zap.String("building", buildingID))
	}
	r.publish(snap)
	return snap, true
}

// Heartbeat refreshes userID's LastSeen. An absent user is not recreated; the
// returned flag tells the caller it has to join again.
func (r *Registry) Heartbeat(userID string) (Snapshot, bool) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if !ok {
		snap := r.currentLocked()
		r.mu.Unlock()
		return snap, false
	}
	entry.LastSeen = r.clock.Now()
	r.entries[userID] = entry
	snap := r.cutLocked(nil)
	r.mu.Unlock()
	return snap, true
}

// Leave removes userID. Leaving twice is harmless.
func (r *Registry) Leave(userID string) Snapshot {
	r.mu.Lock()
	_, had := r.entries[userID]
	delete(r.entries, userID)
	snap := r.cutLocked(nil)
	r.mu.Unlock()

	if had {
		r.logger.Info("user left", zap.String("user", userID), zap.Int("total", len(snap.Entries)))
	}
	r.publish(snap)
	return snap
}

// Sweep evicts every entry idle for longer than the timeout and publishes
// the result, changed or not.
func (r *Registry) Sweep() Snapshot {
	r.mu.Lock()
	now := r.clock.Now()
	var evicted []string
	for id, e := range r.entries {
		if now.Sub(e.LastSeen) > r.timeout {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	snap := r.cutLocked(evicted)
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.logger.Info("evicted stale users", zap.Strings("users", snap.Evicted), zap.Int("total", len(snap.Entries)))
	}
	r.publish(snap)
	return snap
}

// Snapshot returns the current entries without mutating anything.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

// CountByBuilding returns the number of users currently in buildingID.
func (r *Registry) CountByBuilding(buildingID string) int {
	return r.Snapshot().CountByBuilding(buildingID)
}

// Counts returns occupancy for every building with at least one user.
func (r *Registry) Counts() map[string]int {
	return r.Snapshot().Counts()
}

// Len returns the number of users present.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps on every interval tick until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("presence sweep started", zap.Duration("interval", r.interval), zap.Duration("timeout", r.timeout))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

func (r *Registry) cutLocked(evicted []string) Snapshot {
	r.seq++
	snap := r.currentLocked()
	if len(evicted) > 0 {
		sort.Strings(evicted)
		snap.Evicted = evicted
	}
	return snap
}

func (r *Registry) currentLocked() Snapshot {
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	SortEntries(entries)
	return Snapshot{Seq: r.seq, Taken: r.clock.Now(), Entries: entries}
}

func (r *Registry) publish(snap Snapshot) {
	r.obsMu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.obsMu.RUnlock()
	for _, o := range observers {
		o.Publish(snap)
	}
}
