package hub

import (
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/protocol"
	"github.com/gorilla/websocket"
)

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan protocol.Envelope
	closed chan struct{}
	once   sync.Once

	// cartID is only touched by the read pump and, under the hub lock,
	// by room bookkeeping.
	cartID string
}

func newClient(conn *websocket.Conn, userID string, buffer int) *client {
	return &client{
		conn:   conn,
		userID: userID,
		send:   make(chan protocol.Envelope, buffer),
		closed: make(chan struct{}),
	}
}

// enqueue never blocks; a client that cannot keep up is disconnected and
// catches up from the snapshot when it rejoins.
func (c *client) enqueue(env protocol.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		c.shutdown()
		return false
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *client) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cfg.WriteWait))
			return
		}
	}
}
