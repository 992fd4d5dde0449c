package internal

import "sync"

// ConnTracker counts open sessions per bound user id. A user with several
// tabs open has several sessions; the registry still holds one entry.
type ConnTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewConnTracker() *ConnTracker {
	return &ConnTracker{online: make(map[string]int)}
}

func (p *ConnTracker) Increment(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return p.online[userID]
}

func (p *ConnTracker) Decrement(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count, ok := p.online[userID]; ok {
		if count <= 1 {
			delete(p.online, userID)
			return 0
		}
		p.online[userID] = count - 1
		return p.online[userID]
	}
	return 0
}

// ActiveCount returns the number of distinct users with an open session.
func (p *ConnTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
