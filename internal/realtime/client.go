package realtime

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// client is one connected viewer.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	addr    string
	closed  bool
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newClient(conn *websocket.Conn, hub *Hub, addr string) *client {
	opts := hub.opts
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	perSecond := rate.Limit(float64(opts.InboundBurst) / opts.InboundInterval.Seconds())

	return &client{
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		hub:     hub,
		addr:    addr,
		limiter: rate.NewLimiter(perSecond, opts.InboundBurst),
		logger:  hub.logger.With(zap.String("addr", addr)),
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

func (c *client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why the read loop stopped.
func (c *client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("viewer frame exceeded maximum size", zap.Int64("max_bytes", c.hub.opts.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Debug("viewer disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("viewer connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// readPump keeps the read side alive for control frames. Viewers never
// write to the board over the socket, so data frames are dropped.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.Allow() {
			c.logger.Warn("viewer exceeded inbound rate limit; discarding frame")
			continue
		}
		c.logger.Debug("discarding inbound frame from read-only viewer")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in writePump", zap.Error(err))
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !c.writePayload(payload, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.hub.ctx.Done():
			return
		}
	}
}

// writePayload writes payload plus anything already queued as one
// newline-separated text frame. A closed queue sends a close frame.
func (c *client) writePayload(payload []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", zap.Error(err))
		}
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Debug("error creating writer", zap.Error(err))
		return false
	}
	if _, err := w.Write(payload); err != nil {
		c.logger.Debug("error writing message", zap.Error(err))
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.logger.Debug("error writing queued message", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.logger.Debug("error closing writer", zap.Error(err))
		return false
	}
	return true
}

func (c *client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping", zap.Error(err))
		return false
	}
	return true
}
