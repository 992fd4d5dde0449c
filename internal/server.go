package internal

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
)

// Server holds the state shared by every websocket session and HTTP handler.
type Server struct {
	registry       *presence.Registry
	catalog        *geofence.Catalog
	policy         geofence.JoinPolicy
	hub            *Hub
	metrics        *Metrics
	conns          *ConnTracker
	upgradeLimiter *RateLimiter
	upgradeLimit   int
	upgradeWindow  time.Duration
	upgrader       websocket.Upgrader
	clock          clockwork.Clock
	logger         *zap.Logger
	unsubscribe    []func()
}

type ServerOption func(*Server)

func WithJoinPolicy(p geofence.JoinPolicy) ServerOption {
	return func(s *Server) { s.policy = p }
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUpgradeLimit caps websocket upgrades per client IP. A zero limit disables it.
func WithUpgradeLimit(limit int, window time.Duration) ServerOption {
	return func(s *Server) {
		s.upgradeLimit = limit
		s.upgradeWindow = window
	}
}

func WithServerClock(c clockwork.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// NewServer wires a hub and metrics onto registry. Call Run to start
// delivering snapshots.
func NewServer(registry *presence.Registry, catalog *geofence.Catalog, opts ...ServerOption) *Server {
	s := &Server{
		registry:      registry,
		catalog:       catalog,
		policy:        geofence.PolicyInside,
		metrics:       NewMetrics(),
		conns:         NewConnTracker(),
		clock:         clockwork.NewRealClock(),
		logger:        zap.NewNop(),
		upgradeLimit:  defaultUpgradeLimit,
		upgradeWindow: defaultUpgradeWindow,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgradeLimiter = NewRateLimiterWithClock(s.upgradeLimit, s.upgradeWindow, s.clock)
	s.hub = NewHub(s.logger.Named("hub"))
	s.unsubscribe = append(s.unsubscribe,
		registry.Subscribe(s.metrics),
		registry.Subscribe(s.hub),
	)
	return s
}

const (
	defaultUpgradeLimit  = 30
	defaultUpgradeWindow = time.Minute
)

// Run delivers snapshots to sessions until ctx is done, then closes them.
func (s *Server) Run(ctx context.Context) {
	defer func() {
		for _, cancel := range s.unsubscribe {
			cancel()
		}
	}()
	s.hub.Run(ctx)
}

func (s *Server) Registry() *presence.Registry { return s.registry }

func (s *Server) Catalog() *geofence.Catalog { return s.catalog }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) MetricsHandler() http.Handler { return s.metrics }

func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
