package relay

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBacklog  = 256
)

// Sender is the transport half of a live connection as the relay sees it.
// The gateway, generator and reaper only ever talk to this interface.
type Sender interface {
	Id() uuid.UUID

	// Deliver queues one outbound frame. It reports false when the frame was
	// dropped because the connection is closed or its backlog is full.
	Deliver(frame []byte) bool

	// ForceClose terminates the transport with the given close code. Safe to
	// call more than once and from any goroutine.
	ForceClose(code int, reason string)

	IsClosed() bool
}

// Conn adapts one websocket connection to the Sender contract. Outbound
// writes go through a single write pump goroutine; the read loop stays with
// the handler that accepted the connection.
type Conn struct {
	id        uuid.UUID
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		id:        uuid.New(),
		ws:        ws,
		send:      make(chan []byte, sendBacklog),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

func (c *Conn) Id() uuid.UUID {
	return c.id
}

func (c *Conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		// Backlog full: drop rather than block the sender. Delivery is
		// at-most-once per live connection.
		return false
	}
}

func (c *Conn) ForceClose(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// Close shuts the transport down with a normal closure code.
func (c *Conn) Close() {
	c.ForceClose(websocket.CloseNormalClosure, "")
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// WritePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings. It exits when the connection closes.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
