package internal

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"nerdhub/internal/presence"
)

// Metrics is also a presence.Observer so evictions are counted from every
// sweep, not only the ones a coalescing session happens to see.
type Metrics struct {
	joins          atomic.Uint64
	rejectedJoins  atomic.Uint64
	leaves         atomic.Uint64
	heartbeats     atomic.Uint64
	evictions      atomic.Uint64
	snapshotsSent  atomic.Uint64
	limitedFrames  atomic.Uint64
	limitedUpgrade atomic.Uint64
	activeConns    atomic.Int64
	presentUsers   atomic.Int64

	seqMu   sync.Mutex
	lastSeq uint64
	seen    bool
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncJoin() { m.joins.Add(1) }
func (m *Metrics) IncRejectedJoin() { m.rejectedJoins.Add(1) }
func (m *Metrics) IncLeave() { m.leaves.Add(1) }
func (m *Metrics) IncHeartbeat() { m.heartbeats.Add(1) }
func (m *Metrics) IncSnapshotSent() { m.snapshotsSent.Add(1) }
func (m *Metrics) IncLimitedFrame() { m.limitedFrames.Add(1) }
func (m *Metrics) IncLimitedUpgrade() { m.limitedUpgrade.Add(1) }
func (m *Metrics) IncConn() { m.activeConns.Add(1) }
func (m *Metrics) DecConn() { m.activeConns.Add(-1) }
func (m *Metrics) ActiveConns() int64 { return m.activeConns.Load() }
func (m *Metrics) Evictions() uint64 { return m.evictions.Load() }
func (m *Metrics) Joins() uint64 { return m.joins.Load() }

// Publish counts every eviction but only lets a newer Seq set the present
// user gauge; observers can be called out of order.
func (m *Metrics) Publish(s presence.Snapshot) {
	m.evictions.Add(uint64(len(s.Evicted)))
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	if m.seen && s.Seq <= m.lastSeq {
		return
	}
	m.lastSeq, m.seen = s.Seq, true
	m.presentUsers.Store(int64(len(s.Entries)))
}

func (m *Metrics) PresentUsers() int64 { return m.presentUsers.Load() }

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"joins_total":           m.Joins(),
		"rejected_joins_total":  m.rejectedJoins.Load(),
		"leaves_total":          m.leaves.Load(),
		"heartbeats_total":      m.heartbeats.Load(),
		"evictions_total":       m.Evictions(),
		"snapshots_sent_total":  m.snapshotsSent.Load(),
		"rate_limited_frames":   m.limitedFrames.Load(),
		"rate_limited_upgrades": m.limitedUpgrade.Load(),
		"active_connections":    m.ActiveConns(),
		"present_users":         m.PresentUsers(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
