// Package transport is the WebSocket-facing half of the session
// multiplexer (spec §4.3, §6): it upgrades HTTP connections, authenticates
// the handshake token, and runs each session's single-threaded read loop,
// dispatching decoded frames into pkg/room and pkg/convops and encoding
// their results back out through pkg/wire. Grounded on the wider example
// pack's websocket handler shape (nstogner-operative's
// pkg/server/websocket.go: gorilla/websocket upgrade, a per-connection
// read loop, JSON in/out) adapted to the teacher's zerolog-based logging
// and the spec's richer frame-dispatch table.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/branchroom/server/pkg/convops"
	"github.com/branchroom/server/pkg/room"
	"github.com/branchroom/server/pkg/session"
	"github.com/branchroom/server/pkg/store"
	"github.com/branchroom/server/pkg/wire"
)

// Authenticator resolves the handshake token to a user id. A failed
// authentication closes the connection with WebSocket policy-violation
// code 1008 (spec §6).
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// ErrAuthFailed is returned by an Authenticator to signal an invalid or
// expired token.
var ErrAuthFailed = errors.New("transport: authentication failed")

// Server upgrades HTTP connections to the chat WebSocket protocol and runs
// their frame dispatch loop.
type Server struct {
	sessions *session.Registry
	rooms    *room.Registry
	ops      *convops.Ops
	store    store.Store
	auth     Authenticator
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New builds a Server. CheckOrigin is left permissive, matching a
// browser-facing WebSocket fronted by its own reverse proxy; a production
// deployment can tighten it by replacing the zero-value Upgrader after
// construction.
func New(sessions *session.Registry, rooms *room.Registry, ops *convops.Ops, st store.Store, auth Authenticator, log zerolog.Logger) *Server {
	return &Server{
		sessions: sessions,
		rooms:    rooms,
		ops:      ops,
		store:    st,
		auth:     auth,
		log:      log.With().Str("component", "transport").Logger(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// wsConn adapts a *websocket.Conn to session.Conn. gorilla/websocket
// permits at most one concurrent writer per connection, so Send
// serializes through writeMu to satisfy session.Conn's "safe from any
// goroutine" contract.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ServeHTTP upgrades the request to a WebSocket, authenticates the
// `token` query parameter, and runs the session loop until the connection
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		conn, upgradeErr := s.upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			return
		}
		_ = conn.WriteControl(websocket.ClosePolicyViolation, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := s.sessions.Register(userID, &wsConn{conn: conn})
	s.log.Info().Str("sessionId", sess.ID).Str("userId", userID).Msg("session connected")

	if b, err := wire.Encode(wire.EventConnected, map[string]any{"sessionId": sess.ID}); err == nil {
		_ = sess.Conn.Send(b)
	}

	sessLog := s.log.With().Str("sessionId", sess.ID).Str("userId", userID).Logger()
	s.runReadLoop(sessLog.WithContext(r.Context()), sess, conn)

	s.rooms.LeaveAll(sess)
	s.sessions.Unregister(sess.ID)
	_ = conn.Close()
	s.log.Info().Str("sessionId", sess.ID).Msg("session disconnected")
}

func (s *Server) runReadLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.MarkAlive()

		frame, err := wire.Decode(data)
		if err != nil {
			s.reply(sess, wire.EventError, map[string]any{"code": "invalid_input", "message": err.Error()})
			continue
		}

		s.dispatch(ctx, sess, frame)
	}
}

// reply encodes and sends one frame directly to sess, swallowing send
// errors (spec §4.2's broadcast failure model applies equally to a direct
// reply: a slow or gone peer must not wedge the dispatch loop).
func (s *Server) reply(sess *session.Session, kind wire.OutboundType, payload map[string]any) {
	b, err := wire.Encode(kind, payload)
	if err != nil {
		return
	}
	_ = sess.Conn.Send(b)
}
