package presence

import "sync"

// Latest is a one-slot mailbox that keeps only the newest snapshot by Seq.
// Publish never blocks; readers wait on Ready and then Load.
type Latest struct {
	mu    sync.Mutex
	snap  Snapshot
	have  bool
	ready chan struct{}
}

func NewLatest() *Latest {
	return &Latest{ready: make(chan struct{}, 1)}
}

// Publish stores s unless an equal or newer Seq is already held.
func (l *Latest) Publish(s Snapshot) {
	l.mu.Lock()
	if l.have && s.Seq <= l.snap.Seq {
		l.mu.Unlock()
		return
	}
	l.snap = s
	l.have = true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Ready fires at least once after every accepted Publish.
func (l *Latest) Ready() <-chan struct{} {
	return l.ready
}

// Load returns the newest snapshot seen so far.
func (l *Latest) Load() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap, l.have
}
