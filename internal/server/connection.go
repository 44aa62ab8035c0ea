package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/slidewire/slidewire/internal/event"
	"github.com/slidewire/slidewire/internal/logging"
	"github.com/slidewire/slidewire/internal/protocol"
	"github.com/slidewire/slidewire/internal/router"
	"github.com/slidewire/slidewire/internal/session"
)

// Conn is one live client channel. It pumps inbound frames into the
// router and outbound envelopes from a send queue, and enforces
// liveness with pings. Teardown suspends every session bound to it;
// the sessions themselves survive for a later resume.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn

	rt     *router.Router
	store  *session.Store
	bus    *event.Bus
	logger *logging.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	writeTimeout      time.Duration
	maxMessageBytes   int64

	send chan *protocol.Envelope
	done chan struct{}

	closeOnce sync.Once
	onClose   func(*Conn)
}

func newConn(ws *websocket.Conn, userID string, rt *router.Router, store *session.Store, bus *event.Bus, logger *logging.Logger, cfg connConfig) *Conn {
	c := &Conn{
		id:                "conn_" + uuid.NewString(),
		userID:            userID,
		ws:                ws,
		rt:                rt,
		store:             store,
		bus:               bus,
		heartbeatInterval: cfg.heartbeatInterval,
		heartbeatTimeout:  cfg.heartbeatTimeout,
		writeTimeout:      cfg.writeTimeout,
		maxMessageBytes:   cfg.maxMessageBytes,
		send:              make(chan *protocol.Envelope, 64),
		done:              make(chan struct{}),
	}
	c.logger = logger.WithConn(c.id)
	return c
}

type connConfig struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	writeTimeout      time.Duration
	maxMessageBytes   int64
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// UserID returns the verified identity behind the channel
func (c *Conn) UserID() string { return c.userID }

// Send implements router.Sender. Envelopes queue onto the write pump;
// a full queue or a closed channel fails the send rather than blocking
// the workflow.
func (c *Conn) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		c.logger.Warn("send queue full, dropping envelope", "type", env.Type)
		return errQueueFull
	}
}

// run pumps the channel until it closes. Blocks until teardown is done.
func (c *Conn) run() {
	c.ws.SetReadLimit(c.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.heartbeatTimeout))
	})

	go c.writePump()
	c.readPump()
	c.teardown("read loop ended")
}

func (c *Conn) readPump() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("channel closed unexpectedly", "error", err)
			} else {
				c.logger.Debug("channel closed", "error", err)
			}
			return
		}
		// any inbound traffic proves liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeatTimeout))
		c.rt.Dispatch(c.userID, c, raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			data, err := env.Encode()
			if err != nil {
				c.logger.Error("encoding outbound envelope", "type", env.Type, "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.teardown("write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown("ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}

// teardown runs exactly once: it stops outbound delivery, suspends every
// session bound to this channel, and releases the socket.
func (c *Conn) teardown(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		for _, id := range c.rt.UnbindAll(c) {
			if err := c.store.Suspend(id); err == nil {
				c.logger.WithSession(id).Info("session suspended", "reason", reason)
				if c.bus != nil {
					c.bus.Publish(event.NewSessionSuspendedEvent(id, reason))
				}
			}
		}

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

var errQueueFull = &queueFullError{}

type queueFullError struct{}

func (e *queueFullError) Error() string { return "send queue full" }
