package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrHubClosed is returned when registering a viewer after Shutdown.
var ErrHubClosed = errors.New("realtime hub closed")

// HubOptions tunes the per-viewer connection handling.
type HubOptions struct {
	// MaxMessageSize caps inbound frames; larger frames close the connection.
	MaxMessageSize int64
	// SendBuffer is the per-viewer outbound queue length. A viewer whose
	// queue is full is dropped.
	SendBuffer int
	// InboundBurst and InboundInterval bound how many frames a viewer may
	// send per interval. Viewers are read-only so frames are discarded
	// either way; excess frames are only logged.
	InboundBurst    int
	InboundInterval time.Duration
	// OnClientCount, when set, is called with the number of connected
	// viewers after every change.
	OnClientCount func(n int)
}

func (o HubOptions) sanitize() HubOptions {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 512
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 5
	}
	if o.InboundInterval <= 0 {
		o.InboundInterval = time.Second
	}
	if o.OnClientCount == nil {
		o.OnClientCount = func(int) {}
	}
	return o
}

// Hub fans broadcast payloads out to every registered WebSocket viewer.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	opts   HubOptions
	logger *zap.Logger
}

// NewHub creates a Hub. Call Run in its own goroutine before registering
// viewers.
func NewHub(logger *zap.Logger, opts HubOptions) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		opts:       opts.sanitize(),
		logger:     logger,
	}
}

// Register attaches an upgraded connection as a viewer. The hub owns conn
// from here on.
func (h *Hub) Register(conn *websocket.Conn, addr string) error {
	c := newClient(conn, h, addr)
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		_ = conn.Close()
		return ErrHubClosed
	}
}

// Broadcast queues payload for every viewer. It returns false when the hub
// is shutting down.
func (h *Hub) Broadcast(payload []byte) bool {
	select {
	case h.broadcast <- payload:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Relay subscribes to the broker topic and broadcasts every well-formed
// event until ctx ends. A broken subscription is re-established with
// capped exponential backoff.
func (h *Hub) Relay(ctx context.Context, broker Broker) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		payloads, err := broker.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			h.logger.Warn("subscribe to broker failed",
				zap.String("broker", broker.Name()),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = 100 * time.Millisecond
		h.logger.Info("relaying broker topic to viewers", zap.String("broker", broker.Name()))
		h.forward(ctx, payloads)

		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("broker subscription ended, resubscribing", zap.String("broker", broker.Name()))
	}
}

func (h *Hub) forward(ctx context.Context, payloads <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-payloads:
			if !ok {
				return
			}
			if _, err := DecodeEvent(payload); err != nil {
				h.logger.Warn("discarding malformed event", zap.Error(err))
				continue
			}
			if !h.Broadcast(payload) {
				return
			}
		}
	}
}

func (h *Hub) safeSend(c *client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[c]; !exists || c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Run processes registrations and broadcasts until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case c := <-h.register:
			h.mutex.Lock()
			c.closed = false
			h.clients[c] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("viewer connected", zap.String("addr", c.addr), zap.Int("viewers", count))
			h.opts.OnClientCount(count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				c.writePump()
			}()
			go func() {
				defer h.wg.Done()
				c.readPump()
			}()

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closed = true
				count := len(h.clients)
				h.mutex.Unlock()
				close(c.send)
				h.logger.Info("viewer disconnected", zap.String("addr", c.addr), zap.Int("viewers", count))
				h.opts.OnClientCount(count)
			} else {
				h.mutex.Unlock()
			}

		case payload := <-h.broadcast:
			h.handleBroadcast(payload)
		}
	}
}

func (h *Hub) handleBroadcast(payload []byte) {
	clients := h.getClientSnapshot()
	h.logger.Debug("broadcasting event", zap.Int("viewers", len(clients)))

	var failed []*client
	for _, c := range clients {
		if !h.safeSend(c, payload) {
			failed = append(failed, c)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) getClientSnapshot() []*client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// removeFailedClients drops viewers that could not keep up. Closing their
// send channel makes the write pump send a close frame.
func (h *Hub) removeFailedClients(failed []*client) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, c := range failed {
		if _, exists := h.clients[c]; exists {
			delete(h.clients, c)
			c.closed = true
			channelsToClose = append(channelsToClose, c.send)
			h.logger.Warn("viewer removed due to full send buffer", zap.String("addr", c.addr))
		}
	}
	count := len(h.clients)
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
	h.opts.OnClientCount(count)
}

func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		c.closed = true
		delete(h.clients, c)
	}
	h.mutex.Unlock()
	h.opts.OnClientCount(0)

	for _, c := range clients {
		if c.conn == nil {
			continue
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing viewer connection", zap.String("addr", c.addr), zap.Error(err))
		}
	}

	h.logger.Info("closed viewer connections", zap.Int("count", len(clients)))
}

// Shutdown stops the hub, closes every viewer and waits for their pumps to
// finish, giving up after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some viewer goroutines may still be running")
		return context.DeadlineExceeded
	}
}
