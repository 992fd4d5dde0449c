package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"nerdhub/internal/geofence"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = 15 * time.Second
)

// PresenceClient keeps one user connected to the presence server. It
// reconnects with exponential backoff, re-sends the last join after every
// reconnect and polls a Fallback while the websocket is down.
type PresenceClient struct {
	serverURL string
	userID    string
	cache     *Cache
	fallback  Fallback
	heartbeat time.Duration
	poll      time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
	dialer    *websocket.Dialer

	onResolved func(geofence.Resolution)
	onError    func(string)

	mu         sync.Mutex
	conn       *websocket.Conn
	lastJoin   *ClientFrame
	resolution *geofence.Resolution
	writeMutex sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

type ClientOption func(*PresenceClient)

func WithFallback(f Fallback) ClientOption {
	return func(c *PresenceClient) { c.fallback = f }
}

func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *PresenceClient) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *PresenceClient) {
		if d > 0 {
			c.poll = d
		}
	}
}

func WithClientClock(clock clockwork.Clock) ClientOption {
	return func(c *PresenceClient) { c.clock = clock }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *PresenceClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOnResolved is called with every resolved frame the server sends.
func WithOnResolved(fn func(geofence.Resolution)) ClientOption {
	return func(c *PresenceClient) { c.onResolved = fn }
}

// WithOnServerError is called with the text of every error frame.
func WithOnServerError(fn func(string)) ClientOption {
	return func(c *PresenceClient) { c.onError = fn }
}

// NewPresenceClient prepares a client for serverURL, a ws:// or wss:// URL of
// the websocket endpoint. Nothing is dialed until Run.
func NewPresenceClient(serverURL, userID string, cache *Cache, opts ...ClientOption) (*PresenceClient, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errMissingUser
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	sessionURL, err := buildSessionURL(serverURL, userID)
	if err != nil {
		return nil, err
	}
	c := &PresenceClient{
		serverURL: sessionURL,
		userID:    userID,
		cache:     cache,
		heartbeat: DefaultHeartbeatInterval,
		poll:      DefaultPollInterval,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *PresenceClient) Cache() *Cache { return c.cache }

func (c *PresenceClient) UserID() string { return c.userID }

// Connected reports whether the websocket is currently up.
func (c *PresenceClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Resolution returns the last resolution the server reported for this client.
func (c *PresenceClient) Resolution() (geofence.Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolution == nil {
		return geofence.Resolution{}, false
	}
	return *c.resolution, true
}

// JoinBuilding joins a building the caller already resolved.
func (c *PresenceClient) JoinBuilding(buildingID string, verified bool) error {
	return c.join(ClientFrame{Type: FrameJoin, UserID: c.userID, BuildingID: buildingID, Verified: verified})
}

// JoinAt lets the server resolve lat/lon to a building.
func (c *PresenceClient) JoinAt(lat, lon float64) error {
	return c.join(ClientFrame{Type: FrameJoin, UserID: c.userID, Lat: &lat, Lon: &lon})
}

func (c *PresenceClient) join(frame ClientFrame) error {
	c.mu.Lock()
	c.lastJoin = &frame
	c.mu.Unlock()
	// while offline the join is kept and sent on the next connect
	if err := c.send(frame); err != nil && !errors.Is(err, errOffline) {
		return err
	}
	return nil
}

// Leave forgets the last join and tells the server.
func (c *PresenceClient) Leave() error {
	c.mu.Lock()
	c.lastJoin = nil
	c.mu.Unlock()
	err := c.send(ClientFrame{Type: FrameLeave, UserID: c.userID})
	if errors.Is(err, errOffline) {
		return nil
	}
	return err
}

// Close sends a best-effort leave, closes the socket and stops Run.
func (c *PresenceClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		joined := c.lastJoin != nil
		conn := c.conn
		c.mu.Unlock()
		if joined && conn != nil {
			_ = c.send(ClientFrame{Type: FrameLeave, UserID: c.userID})
		}
		close(c.closed)
		if conn != nil {
			c.writeMutex.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMutex.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

// Run connects and keeps reconnecting until ctx is done or Close is called.
func (c *PresenceClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	go c.heartbeatLoop(ctx)
	if c.fallback != nil {
		go c.pollLoop(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	for {
		err := c.connectAndRead(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		c.logger.Info("presence connection lost", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(wait):
		}
	}
}

func (c *PresenceClient) connectAndRead(ctx context.Context, b backoff.BackOff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.serverURL, http.Header{"User-Agent": []string{UserAgent()}})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	pending := c.lastJoin
	c.mu.Unlock()
	b.Reset()
	c.logger.Info("presence connected", zap.String("user", c.userID))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if pending != nil {
		if err := c.send(*pending); err != nil {
			return fmt.Errorf("rejoin: %w", err)
		}
	}

	for {
		var frame ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.handleFrame(frame)
	}
}

func (c *PresenceClient) handleFrame(frame ServerFrame) {
	switch frame.Type {
	case FrameSnapshot:
		c.cache.Apply(frame.Snapshot())
	case FrameResolved:
		if frame.Resolution == nil {
			return
		}
		res := *frame.Resolution
		c.mu.Lock()
		c.resolution = &res
		c.mu.Unlock()
		if c.onResolved != nil {
			c.onResolved(res)
		}
	case FrameError:
		c.logger.Debug("server error frame", zap.String("error", frame.Error))
		if frame.Error == errNotJoined.Error() {
			// evicted while we were away; join again
			c.mu.Lock()
			pending := c.lastJoin
			c.mu.Unlock()
			if pending != nil {
				_ = c.send(*pending)
			}
		}
		if c.onError != nil {
			c.onError(frame.Error)
		}
	}
}

var errOffline = errors.New("not connected")

func (c *PresenceClient) send(frame ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errOffline
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func (c *PresenceClient) heartbeatLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.mu.Lock()
			joined := c.lastJoin != nil
			c.mu.Unlock()
			if !joined {
				continue
			}
			if err := c.send(ClientFrame{Type: FrameHeartbeat, UserID: c.userID}); err != nil && !errors.Is(err, errOffline) {
				c.logger.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *PresenceClient) pollLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if c.Connected() {
				continue
			}
			fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
			snap, err := c.fallback.Fetch(fetchCtx)
			cancel()
			if err != nil {
				c.logger.Debug("fallback poll failed", zap.Error(err))
				continue
			}
			c.cache.Apply(snap)
		}
	}
}

func buildSessionURL(base, userID string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("user", userID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// HTTPBaseURL turns ws(s)://host[:port]/ws into http(s)://host[:port].
func HTTPBaseURL(wsBase string) (string, error) {
	parsed, err := url.Parse(wsBase)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	return parsed.String(), nil
}
