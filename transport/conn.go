// Package transport carries the collaboration and dispatch protocol over
// WebSocket connections.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/songzhibin97/workflow-collab/events"
)

var (
	// ErrSendBufferFull is returned by Send when the client is not reading
	// fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned by Send after the connection closed.
	ErrConnClosed = errors.New("connection closed")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Conn is one client connection. Outbound events go through a bounded
// buffer drained by a single writer goroutine, so Send never blocks.
type Conn struct {
	ws         *websocket.Conn
	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	pingPeriod time.Duration
	logger     zerolog.Logger
}

func newConn(ws *websocket.Conn, buffer int, pingPeriod time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:         ws,
		send:       make(chan []byte, buffer),
		closed:     make(chan struct{}),
		pingPeriod: pingPeriod,
		logger:     logger,
	}
}

// Send queues ev for writing. It implements session.Sender. A full buffer
// closes the connection.
func (c *Conn) Send(ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		// A client this far behind is treated as gone.
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the writer, which closes the socket. Safe to call more than
// once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still buffered, best effort.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
