// Package hub serves the cart socket: one websocket per shopper device,
// grouped into rooms keyed by cart id. Events emitted by a cart session go
// to every socket in its room.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/auth"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/metrics"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/fjod/go_cart/cartsync/internal/reconcile"
	"github.com/fjod/go_cart/cartsync/internal/session"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	CommandTimeout time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		CommandTimeout: 5 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 64 << 10,
	}
}

// Sessions is the part of the session registry the hub needs.
type Sessions interface {
	Get(cartID string) (*session.Session, error)
}

type Hub struct {
	cfg      Config
	sessions Sessions
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func New(cfg Config, sessions Sessions, verifier auth.Verifier, m *metrics.Metrics, log logrus.FieldLogger) *Hub {
	return &Hub{
		cfg:      cfg,
		sessions: sessions,
		verifier: verifier,
		metrics:  m,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// SetSessions breaks the construction cycle between the hub, which emits
// for sessions, and the registry, which needs the hub as its emitter.
func (h *Hub) SetSessions(s Sessions) {
	h.sessions = s
}

// Emit implements session.Emitter.
func (h *Hub) Emit(cartID string, env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[cartID] {
		if !c.enqueue(env) {
			h.log.WithField("cart_id", cartID).Warn("dropping slow socket client")
		}
	}
}

// Attached reports whether any socket is in the cart's room.
func (h *Hub) Attached(cartID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[cartID]) > 0
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newClient(conn, userID, h.cfg.SendBuffer)
	h.metrics.ClientConnected()
	go c.writePump(h.cfg)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		// shut down first: a join still queued in the session then sees a
		// closed client instead of re-adding it after leave
		c.shutdown()
		h.leave(c)
		h.metrics.ClientDisconnected()
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("user_id", c.userID).Debug("socket closed")
			}
			return
		}
		h.dispatch(c, env)
	}
}

func (h *Hub) dispatch(c *client, env protocol.Envelope) {
	log := h.log.WithFields(logrus.Fields{"event": env.Event, "user_id": c.userID, "cart_id": c.cartID})

	if env.Event == protocol.EventJoinCartRoom {
		var cartID protocol.JoinCartRoom
		if err := env.Decode(&cartID); err != nil {
			h.reply(c, err)
			return
		}
		h.join(c, string(cartID))
		return
	}

	s, err := h.joinedSession(c)
	if err != nil {
		h.reply(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
	defer cancel()

	switch env.Event {
	case protocol.EventScanBarcode:
		var p protocol.ScanBarcode
		if err = env.Decode(&p); err == nil {
			if err = h.sameCart(c, p.CartID); err == nil {
				_, err = s.ScanBarcode(ctx, p.Barcode, p.Quantity)
			}
		}
	case protocol.EventWeightReading:
		var p protocol.WeightReading
		if err = env.Decode(&p); err == nil {
			if err = h.sameCart(c, p.CartID); err == nil {
				_, err = s.WeightReading(ctx, domain.WeightSample{Barcode: p.Barcode, Quantity: p.Quantity, MeasuredWeight: p.MeasuredWeight})
			}
		}
	case protocol.EventRemoveItem:
		var p protocol.RemoveItem
		if err = env.Decode(&p); err == nil {
			if err = h.sameCart(c, p.CartID); err == nil {
				_, err = s.RemoveItem(ctx, p.Barcode, p.Quantity)
			}
		}
	case protocol.EventWeightRemovalReading:
		var p protocol.WeightReading
		if err = env.Decode(&p); err == nil {
			if err = h.sameCart(c, p.CartID); err == nil {
				_, err = s.RemovalReading(ctx, domain.WeightSample{Barcode: p.Barcode, Quantity: p.Quantity, MeasuredWeight: p.MeasuredWeight})
			}
		}
	case protocol.EventPaymentConfirmed:
		var p protocol.PaymentConfirmed
		if err = env.Decode(&p); err == nil {
			if err = h.sameCart(c, p.CartID); err == nil {
				_, err = s.ConfirmPayment(ctx, p.PaymentID)
			}
		}
	case protocol.EventCheckoutCancelled:
		var p protocol.CheckoutCancelled
		if err = env.Decode(&p); err == nil {
			if err = h.sameCart(c, p.CartID); err == nil {
				_, err = s.CancelCheckout(ctx)
			}
		}
		if err != nil {
			c.enqueue(errorEvent(err))
			return
		}
	default:
		err = protocol.ErrUnknownEvent
	}

	if err != nil {
		log.WithError(err).Debug("socket command rejected")
		h.reply(c, err)
	}
}

// reply tells the sender about rejections the session did not already
// broadcast to the room.
func (h *Hub) reply(c *client, err error) {
	if broadcastBySession(err) {
		return
	}
	c.enqueue(errorEvent(err))
}

func broadcastBySession(err error) bool {
	var mismatch *session.WeightMismatchError
	switch {
	case errors.As(err, &mismatch):
		return true
	case errors.Is(err, session.ErrScan),
		errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, session.ErrNoPending),
		errors.Is(err, session.ErrStaleReading),
		errors.Is(err, session.ErrIllegalTransition),
		errors.Is(err, reconcile.ErrLineNotFound),
		errors.Is(err, reconcile.ErrInsufficientQuantity),
		errors.Is(err, reconcile.ErrInvalidQuantity):
		return true
	}
	return false
}

func errorEvent(err error) protocol.Envelope {
	return protocol.MustEnvelope(protocol.EventError, protocol.Message{Message: err.Error()})
}

var (
	errNotJoined     = errors.New("join a cart room first")
	errWrongCart     = errors.New("event is for another cart")
	errForeignCart   = errors.New("cart is bound to another shopper")
	errUnknownCartID = errors.New("unknown cart, connect it first")
)

func (h *Hub) join(c *client, cartID string) {
	s, err := h.sessions.Get(cartID)
	if err != nil {
		c.enqueue(errorEvent(errUnknownCartID))
		return
	}
	if s.UserID() != c.userID {
		c.enqueue(errorEvent(errForeignCart))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
	defer cancel()
	err = s.Join(ctx, func(replay []protocol.Envelope) {
		h.mu.Lock()
		defer h.mu.Unlock()
		select {
		case <-c.closed:
			return
		default:
		}
		if c.cartID != "" && c.cartID != cartID {
			h.removeLocked(c)
		}
		c.cartID = cartID
		room, ok := h.rooms[cartID]
		if !ok {
			room = make(map[*client]struct{})
			h.rooms[cartID] = room
		}
		room[c] = struct{}{}
		for _, env := range replay {
			c.enqueue(env)
		}
	})
	if err != nil {
		c.enqueue(errorEvent(err))
		return
	}
	h.log.WithFields(logrus.Fields{"cart_id": cartID, "user_id": c.userID}).Info("socket joined cart room")
}

func (h *Hub) joinedSession(c *client) (*session.Session, error) {
	h.mu.RLock()
	cartID := c.cartID
	h.mu.RUnlock()
	if cartID == "" {
		return nil, errNotJoined
	}
	return h.sessions.Get(cartID)
}

func (h *Hub) sameCart(c *client, cartID string) error {
	if cartID != "" && cartID != c.cartID {
		return errWrongCart
	}
	return nil
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if c.cartID == "" {
		return
	}
	room := h.rooms[c.cartID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.cartID)
	}
	c.cartID = ""
}

// Close disconnects every socket.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for c := range room {
			c.shutdown()
		}
	}
}
