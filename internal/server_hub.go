package internal

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"nerdhub/internal/presence"
)

// Hub owns the set of connected sessions and fans registry snapshots out to
// them. It is a presence.Observer; Publish never blocks the registry.
type Hub struct {
	mutex      sync.RWMutex
	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session
	latest     *presence.Latest
	done       chan struct{}
	logger     *zap.Logger
}

var _ presence.Observer = (*Hub)(nil)

// builds an empty hub; call Run to start delivering
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		latest:     presence.NewLatest(),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (hub *Hub) Publish(s presence.Snapshot) {
	hub.latest.Publish(s)
}

// Size returns the number of registered sessions.
func (hub *Hub) Size() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.sessions)
}

func (hub *Hub) Run(ctx context.Context) {
	defer close(hub.done)
	for {
		select {
		case <-ctx.Done():
			// readPumps may still be replying, so sockets are closed instead of send channels
			hub.mutex.Lock()
			for session := range hub.sessions {
				delete(hub.sessions, session)
				session.shutdown()
			}
			hub.mutex.Unlock()
			return
		case session := <-hub.register:
			hub.mutex.Lock()
			hub.sessions[session] = true
			hub.mutex.Unlock()
			if snap, ok := hub.latest.Load(); ok {
				session.latest.Publish(snap)
			}
		case session := <-hub.unregister:
			hub.mutex.Lock()
			if _, exists := hub.sessions[session]; exists {
				delete(hub.sessions, session)
				close(session.send)
			}
			hub.mutex.Unlock()
		case <-hub.latest.Ready():
			snap, ok := hub.latest.Load()
			if !ok {
				continue
			}
			// Slow sessions are not dropped; each one only ever holds the newest snapshot.
			hub.mutex.RLock()
			for session := range hub.sessions {
				session.latest.Publish(snap)
			}
			n := len(hub.sessions)
			hub.mutex.RUnlock()
			hub.logger.Debug("snapshot fanned out", zap.Uint64("seq", snap.Seq), zap.Int("sessions", n))
		}
	}
}

// join hands a session to the run loop. It reports false once the hub stopped.
func (hub *Hub) join(session *Session) bool {
	select {
	case hub.register <- session:
		return true
	case <-hub.done:
		return false
	}
}

func (hub *Hub) leave(session *Session) {
	select {
	case hub.unregister <- session:
	case <-hub.done:
	}
}
