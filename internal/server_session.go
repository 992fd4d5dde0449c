package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateJoined
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 4096
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

var (
	errNotJoined       = errors.New("not joined")
	errBoundToOther    = errors.New("session is bound to another user")
	errMissingUser     = errors.New("missing userId")
	errMissingLocation = errors.New("join needs lat/lon or buildingId")
	errNotVerified     = errors.New("location not verified")
	errRateLimited     = errors.New("too many frames, slow down")
)

// Session is one websocket connection. userID and state are only written by
// the readPump goroutine; state is atomic so tests and logs can read it.
type Session struct {
	id      string
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	latest  *presence.Latest
	limiter *rate.Limiter
	state   atomic.Int32
	userID  string
	logger  *zap.Logger
}

func newSession(server *Server, conn *websocket.Conn, userID string) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		server:  server,
		conn:    conn,
		send:    make(chan []byte, 16),
		latest:  presence.NewLatest(),
		limiter: rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitBurst), rateLimitBurst),
		userID:  userID,
		logger:  server.logger.With(zap.String("session", id)),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// ServeWS upgrades the request and starts a session. The optional user query
// parameter binds the session up front, which lets a reconnecting client
// heartbeat before it re-joins.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	if !s.upgradeLimiter.Allow(s.clientIP(request)) {
		s.metrics.IncLimitedUpgrade()
		http.Error(writer, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	userID := strings.TrimSpace(request.URL.Query().Get("user"))
	websocketConn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(s, websocketConn, userID)
	// the first frame a session sees is the current state
	session.latest.Publish(s.registry.Snapshot())
	if !s.hub.join(session) {
		_ = websocketConn.Close()
		return
	}
	session.setState(StateConnected)
	s.metrics.IncConn()
	if userID != "" {
		s.conns.Increment(userID)
	}
	session.logger.Debug("session connected", zap.String("user", userID), zap.String("remote", s.clientIP(request)))

	go session.writePump()
	go session.readPump()
}

func (s *Session) readPump() {
	defer func() {
		last := s.State()
		s.setState(StateDisconnected)
		s.server.hub.leave(s)
		s.conn.Close()
		s.server.metrics.DecConn()
		remaining := 0
		if s.userID != "" {
			remaining = s.server.conns.Decrement(s.userID)
		}
		// no Leave here: a dropped socket may be a reconnect, the sweep decides
		s.logger.Debug("session disconnected", zap.String("user", s.userID),
			zap.Stringer("last_state", last), zap.Int("user_sessions", remaining))
	}()
	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		if !s.limiter.Allow() {
			s.server.metrics.IncLimitedFrame()
			s.reply(errorFrame(errRateLimited.Error()))
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.reply(errorFrame("malformed frame"))
			continue
		}
		if err := s.handle(frame); err != nil {
			s.reply(errorFrame(err.Error()))
		}
	}
}

func (s *Session) handle(frame ClientFrame) error {
	userID := strings.TrimSpace(frame.UserID)
	if userID == "" {
		userID = s.userID
	}
	if userID == "" {
		return errMissingUser
	}
	if s.userID != "" && userID != s.userID {
		return errBoundToOther
	}

	switch frame.Type {
	case FrameJoin:
		return s.join(userID, frame)
	case FrameHeartbeat:
		if s.userID == "" {
			return errNotJoined
		}
		snap, ok := s.server.registry.Heartbeat(userID)
		if !ok {
			s.setState(StateConnected)
			return errNotJoined
		}
		s.server.metrics.IncHeartbeat()
		s.latest.Publish(snap)
		return nil
	case FrameLeave:
		if s.userID == "" {
			return errNotJoined
		}
		s.server.registry.Leave(userID)
		s.server.metrics.IncLeave()
		s.setState(StateConnected)
		return nil
	default:
		return errors.New("unknown frame type " + frame.Type)
	}
}

func (s *Session) join(userID string, frame ClientFrame) error {
	buildingID := strings.TrimSpace(frame.BuildingID)
	verified := frame.Verified
	switch {
	case frame.Lat != nil && frame.Lon != nil:
		res, err := s.server.catalog.Resolve(*frame.Lat, *frame.Lon)
		if err != nil {
			return err
		}
		s.reply(resolvedFrame(res))
		buildingID = res.Nearest.ID
		verified = s.server.policy.Eligible(res)
	case buildingID != "":
		if _, ok := s.server.catalog.Lookup(buildingID); !ok {
			return geofence.ErrUnknownBuilding
		}
	default:
		return errMissingLocation
	}
	if !verified {
		s.server.metrics.IncRejectedJoin()
		return errNotVerified
	}

	snap, ok := s.server.registry.Join(userID, buildingID, true)
	if !ok {
		return errNotVerified
	}
	if s.userID == "" {
		s.userID = userID
		s.server.conns.Increment(userID)
		s.logger = s.logger.With(zap.String("user", userID))
	}
	s.setState(StateJoined)
	s.server.metrics.IncJoin()
	s.latest.Publish(snap)
	return nil
}

func (s *Session) shutdown() {
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	_ = s.conn.Close()
}

// reply queues a direct frame for this session only. A full queue drops it.
func (s *Session) reply(frame ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	default:
		s.logger.Debug("reply dropped, send queue full", zap.String("type", frame.Type))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	var lastSeq uint64
	sent := false
	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-s.latest.Ready():
			snap, ok := s.latest.Load()
			if !ok || (sent && snap.Seq <= lastSeq) {
				continue
			}
			payload, err := json.Marshal(snapshotFrame(snap))
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			lastSeq, sent = snap.Seq, true
			s.server.metrics.IncSnapshotSent()
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
