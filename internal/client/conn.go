// Package client is the shopper-device side of the cart protocol: the
// socket connection, the local mirror of the server session, the weight
// source and the checkout coordinator.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type ConnState string

const (
	StateDisconnected    ConnState = "disconnected"
	StateConnecting      ConnState = "connecting"
	StateConnected       ConnState = "connected"
	StateReconnecting    ConnState = "reconnecting"
	StateClosed          ConnState = "closed"
	StateReconnectFailed ConnState = "reconnect_failed"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectAttempts = 5
)

var (
	// ErrConnection is transient: the socket is down and being retried.
	ErrConnection = errors.New("connection unavailable")
	// ErrReconnectExhausted is fatal; only a fresh Connect recovers.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrConnClosed         = errors.New("connection closed")
)

type Credentials struct {
	Token     string
	CartID    string
	ServerURL string
}

type ConnConfig struct {
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	DialTimeout       time.Duration
	WriteWait         time.Duration
	PongWait          time.Duration
	PingInterval      time.Duration
	InboxSize         int
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ReconnectDelay:    DefaultReconnectDelay,
		ReconnectAttempts: DefaultReconnectAttempts,
		DialTimeout:       10 * time.Second,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingInterval:      54 * time.Second,
		InboxSize:         64,
	}
}

// Conn owns the socket of one device. Inbound envelopes are delivered on
// Events in arrival order; it does not interpret them.
type Conn struct {
	cfg    ConnConfig
	log    logrus.FieldLogger
	dialer *websocket.Dialer

	events chan protocol.Envelope
	states chan ConnState

	mu      sync.Mutex
	state   ConnState
	creds   Credentials
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func NewConn(cfg ConnConfig, log logrus.FieldLogger) *Conn {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConnConfig().InboxSize
	}
	return &Conn{
		cfg:    cfg,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		events: make(chan protocol.Envelope, cfg.InboxSize),
		states: make(chan ConnState, 16),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
}

func (c *Conn) Events() <-chan protocol.Envelope { return c.events }

// States publishes every state change. Changes are dropped when nobody
// keeps up; State always has the current one.
func (c *Conn) States() <-chan ConnState { return c.states }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server and joins the cart room. It may be called again
// after reconnect_failed.
func (c *Conn) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrConnClosed
	case StateConnected, StateConnecting, StateReconnecting:
		same := c.creds == creds
		c.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: already bound to cart %s", ErrConnection, c.creds.CartID)
	}
	c.creds = creds
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ws, err := c.dial(ctx, creds)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.attach(ws)
	return nil
}

func (c *Conn) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	endpoint, err := socketURL(creds.ServerURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: unauthorized", endpoint)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint, err)
	}

	join := protocol.MustEnvelope(protocol.EventJoinCartRoom, protocol.JoinCartRoom(creds.CartID))
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := ws.WriteJSON(join); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: join cart room: %v", ErrConnection, err)
	}
	return ws, nil
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	stop := make(chan struct{})
	go c.pingLoop(ws, stop)
	go c.readLoop(ws, stop)
}

func (c *Conn) readLoop(ws *websocket.Conn, stop chan struct{}) {
	defer close(stop)

	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.dropped(ws, err)
			return
		}
		// any frame proves the link is alive
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		}
	}
}

// dropped handles the end of a read loop. Only the current socket failing
// outside Close starts a reconnect.
func (c *Conn) dropped(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.setStateLocked(StateReconnecting)
	creds := c.creds
	c.mu.Unlock()

	ws.Close()
	c.log.WithError(err).WithField("cart_id", creds.CartID).Warn("socket dropped, reconnecting")
	go c.reconnect(creds)
}

func (c *Conn) reconnect(creds Credentials) {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		ws, err := c.dial(ctx, creds)
		cancel()
		if err == nil {
			c.log.WithFields(logrus.Fields{"cart_id": creds.CartID, "attempt": attempt}).Info("socket reconnected")
			c.attach(ws)
			return
		}
		c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
	}

	c.mu.Lock()
	if c.state == StateReconnecting {
		c.setStateLocked(StateReconnectFailed)
	}
	c.mu.Unlock()
}

// Emit sends one event to the server.
func (c *Conn) Emit(_ context.Context, event protocol.Event, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	state, ws := c.state, c.ws
	c.mu.Unlock()

	switch state {
	case StateConnected:
	case StateReconnectFailed:
		return ErrReconnectExhausted
	case StateClosed:
		return ErrConnClosed
	default:
		return fmt.Errorf("%w: %s", ErrConnection, state)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := ws.WriteJSON(env); err != nil {
		// the read loop notices the broken socket and reconnects
		return fmt.Errorf("%w: write %s: %v", ErrConnection, event, err)
	}
	return nil
}

// Close tears the socket down without reconnecting.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.setStateLocked(StateClosed)
		c.mu.Unlock()

		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			ws.Close()
		}
	})
	return nil
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Conn) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.states <- s:
	default:
	}
}

// socketURL maps the server base URL to its socket endpoint.
func socketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
