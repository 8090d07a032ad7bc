// Package clientsdk is the edge library described in spec §4.11: a client
// mirror of pkg/session/pkg/transport that owns one persistent WebSocket
// connection, reconnects it with backoff, buffers outbound frames while
// disconnected, and re-joins the last room after a reconnect. New code — the
// teacher has no analogous client, since its own "client" is a Matrix
// homeserver speaking a federation protocol rather than this project's own
// wire format — built with gorilla/websocket's client Dialer in the
// functional-option constructor idiom of
// _examples/wingedpig-trellis/pkg/client/client.go (options mutate a struct
// before any connection is made; sub-concerns like keepalive are plain
// fields rather than sub-clients, since there is only one resource here, not
// eight).
package clientsdk

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is one of ClientSession's connection-state machine values (spec
// §4.11).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// backoffSchedule is the fixed 1s/2s/4s/8s/10s-cap delay sequence spec
// §4.11 mandates; index 4 and beyond all use the 10s cap.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
}

const maxReconnectAttempts = 5

const (
	pingInterval    = 15 * time.Second
	frameTimeout    = 45 * time.Second
	settleDelay     = 250 * time.Millisecond
)

// Option configures a ClientSession before it connects.
type Option func(*ClientSession)

// WithDialer overrides the gorilla/websocket Dialer used to connect,
// matching WithHTTPClient's role in the trellis client: tests and
// deployments with nonstandard TLS/proxy needs substitute their own.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *ClientSession) { c.dialer = d }
}

// WithOnEvent registers the callback invoked with every decoded outbound
// frame the server sends (spec §4.3's outbound taxonomy); the local
// application is responsible for further JSON decoding.
func WithOnEvent(fn func([]byte)) Option {
	return func(c *ClientSession) { c.onEvent = fn }
}

// WithOnStateChange registers a callback invoked whenever the connection
// state machine transitions.
func WithOnStateChange(fn func(State)) Option {
	return func(c *ClientSession) { c.onStateChange = fn }
}

// ClientSession is the process-side handle for one persistent chat
// connection. It is safe for concurrent use.
type ClientSession struct {
	serverURL string
	token     string
	dialer    *websocket.Dialer
	onEvent   func([]byte)
	onStateChange func(State)

	mu                sync.Mutex
	conn              *websocket.Conn
	state             State
	outbox            [][]byte
	lastJoinedRoom    string
	lastFrameAt       time.Time
	intentionalClose  bool
	reconnectAttempts int
	stopKeepalive     chan struct{}
}

// New builds a ClientSession targeting serverURL (a ws:// or wss:// base,
// without the token query parameter) authenticating with token. It does not
// connect until Connect is called.
func New(serverURL, token string, opts ...Option) *ClientSession {
	c := &ClientSession{
		serverURL: serverURL,
		token:     token,
		dialer:    websocket.DefaultDialer,
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *ClientSession) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientSession) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.onStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Connect dials the server once, resetting the reconnect-attempt counter,
// and starts the read and keepalive pumps. A failed dial is surfaced to the
// caller directly; callers that want automatic retry should call Reconnect
// on failure or close instead.
func (c *ClientSession) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intentionalClose = false
	c.reconnectAttempts = 0
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *ClientSession) dial(ctx context.Context) error {
	c.setState(StateConnecting)

	u, err := url.Parse(c.serverURL)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastFrameAt = time.Now()
	c.stopKeepalive = make(chan struct{})
	pending := c.outbox
	c.outbox = nil
	joined := c.lastJoinedRoom
	c.mu.Unlock()

	c.setState(StateConnected)

	for _, frame := range pending {
		_ = c.writeDirect(frame)
	}
	if joined != "" {
		time.Sleep(settleDelay)
		_ = c.writeDirect(joinRoomFrame(joined))
	}

	go c.readPump()
	go c.keepalivePump()
	return nil
}

// Send delivers frame if connected, or buffers it for in-order flush on the
// next successful connect (spec §4.11's "buffers outbound frames while
// disconnected; flushes in order upon open").
func (c *ClientSession) Send(frame []byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.outbox = append(c.outbox, frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeDirect(frame)
}

func (c *ClientSession) writeDirect(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("clientsdk: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// JoinRoom is idempotent on the same id; switching to a different room
// leaves the old one first (spec §4.11).
func (c *ClientSession) JoinRoom(id string) error {
	c.mu.Lock()
	if c.lastJoinedRoom == id {
		c.mu.Unlock()
		return nil
	}
	prev := c.lastJoinedRoom
	c.lastJoinedRoom = id
	c.mu.Unlock()

	if prev != "" {
		if err := c.Send(leaveRoomFrame(prev)); err != nil {
			return err
		}
	}
	return c.Send(joinRoomFrame(id))
}

// Close performs an intentional disconnect, which must not trigger
// reconnection (spec §4.11).
func (c *ClientSession) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	conn := c.conn
	stop := c.stopKeepalive
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.setState(StateDisconnected)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// OnVisible notifies the session that the host application became visible
// again (e.g. a browser tab). If the transport is not currently open, it
// resets the backoff counter and reconnects (spec §4.11); re-joining the
// last room happens naturally through dial's post-connect replay.
func (c *ClientSession) OnVisible(ctx context.Context) {
	if c.State() == StateConnected {
		return
	}
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.intentionalClose = false
	c.mu.Unlock()
	go c.reconnectLoop(ctx)
}

func (c *ClientSession) readPump() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
			return
		}

		c.mu.Lock()
		c.lastFrameAt = time.Now()
		cb := c.onEvent
		c.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func (c *ClientSession) keepalivePump() {
	c.mu.Lock()
	stop := c.stopKeepalive
	c.mu.Unlock()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastFrameAt) > frameTimeout
			c.mu.Unlock()
			if stale {
				_ = c.Close()
				return
			}
			_ = c.Send(pingFrame())
		}
	}
}

func (c *ClientSession) handleDisconnect() {
	c.mu.Lock()
	intentional := c.intentionalClose
	c.conn = nil
	c.mu.Unlock()

	if intentional {
		c.setState(StateDisconnected)
		return
	}
	go c.reconnectLoop(context.Background())
}

// reconnectLoop retries Connect with the spec's fixed backoff schedule,
// giving up after maxReconnectAttempts and transitioning to failed.
func (c *ClientSession) reconnectLoop(ctx context.Context) {
	c.setState(StateReconnecting)
	for {
		c.mu.Lock()
		attempt := c.reconnectAttempts
		intentional := c.intentionalClose
		c.mu.Unlock()
		if intentional {
			c.setState(StateDisconnected)
			return
		}
		if attempt >= maxReconnectAttempts {
			c.setState(StateFailed)
			return
		}

		delay := backoffSchedule[attempt]
		if attempt >= len(backoffSchedule) {
			delay = backoffSchedule[len(backoffSchedule)-1]
		}
		time.Sleep(delay)

		c.mu.Lock()
		c.reconnectAttempts++
		c.mu.Unlock()

		if err := c.dial(ctx); err == nil {
			return
		}
	}
}
