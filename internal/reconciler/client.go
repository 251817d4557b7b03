package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Is maps 404 responses onto message.ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == message.ErrNotFound && e.Status == http.StatusNotFound
}

// ErrRealtimeDisabled is returned by WSSubscriber when the server answers
// the upgrade with 503, meaning it publishes no events.
var ErrRealtimeDisabled = fmt.Errorf("%w: server has realtime disabled", ErrRealtimeUnavailable)

// HTTPClient implements Fetcher against the server's /api routes.
type HTTPClient struct {
	baseURL string
	limit   int
	http    *http.Client
}

// NewHTTPClient returns a client for the server at baseURL, e.g.
// "http://localhost:8080". limit is the snapshot page size; zero uses the
// server default.
func NewHTTPClient(baseURL string, limit int) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		limit:   limit,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type listResponse struct {
	Success  bool              `json:"success"`
	Messages []message.Message `json:"messages"`
	Error    string            `json:"error"`
}

type messageResponse struct {
	Success bool            `json:"success"`
	Message message.Message `json:"message"`
	Error   string          `json:"error"`
}

// FetchMessages implements Fetcher.
func (c *HTTPClient) FetchMessages(ctx context.Context) ([]message.Message, error) {
	q := url.Values{}
	if c.limit > 0 {
		q.Set("limit", strconv.Itoa(c.limit))
	}
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SearchMessages implements Fetcher.
func (c *HTTPClient) SearchMessages(ctx context.Context, term string) ([]message.Message, error) {
	q := url.Values{"q": []string{term}}
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// GetMessage fetches a single message.
func (c *HTTPClient) GetMessage(ctx context.Context, id string) (message.Message, error) {
	var out messageResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, &out); err != nil {
		return message.Message{}, err
	}
	return out.Message, nil
}

// CreateMessage implements Fetcher.
func (c *HTTPClient) CreateMessage(ctx context.Context, author, body string) (message.Message, error) {
	payload, err := json.Marshal(map[string]string{"author": author, "body": body})
	if err != nil {
		return message.Message{}, err
	}
	var out messageResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages", payload, &out); err != nil {
		return message.Message{}, err
	}
	return out.Message, nil
}

// DeleteMessage implements Fetcher.
func (c *HTTPClient) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

const defaultReadTimeout = 60 * time.Second

// WSSubscriber implements Subscriber over the server's /ws endpoint.
type WSSubscriber struct {
	// ReadTimeout bounds silence on the connection. The stream pings the
	// server at 9/10 of it and ends when neither a frame nor a pong arrives
	// in time. Zero means 60s.
	ReadTimeout time.Duration

	url    string
	dialer websocket.Dialer
	logger *zap.Logger
}

// NewWSSubscriber derives the /ws URL from the server's base URL.
func NewWSSubscriber(baseURL string, logger *zap.Logger) (*WSSubscriber, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"

	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSSubscriber{
		url:    u.String(),
		dialer: websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger: logger,
	}, nil
}

// Subscribe implements Subscriber. No Origin header is sent; the server
// treats origin-less upgrades as non-browser clients.
func (s *WSSubscriber) Subscribe(ctx context.Context) (Stream, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, ErrRealtimeDisabled
		}
		return nil, err
	}

	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	st := &wsStream{
		conn:        conn,
		events:      make(chan realtime.Event, 64),
		done:        make(chan struct{}),
		logger:      s.logger,
		readTimeout: readTimeout,
	}
	st.setupKeepalive()
	go st.read()
	go st.ping(readTimeout * 9 / 10)
	return st, nil
}

type wsStream struct {
	conn        *websocket.Conn
	events      chan realtime.Event
	done        chan struct{}
	logger      *zap.Logger
	once        sync.Once
	readTimeout time.Duration
}

// setupKeepalive arms the read deadline and extends it on pings and pongs.
func (st *wsStream) setupKeepalive() {
	st.extendDeadline()
	st.conn.SetPongHandler(func(string) error {
		st.extendDeadline()
		return nil
	})
	st.conn.SetPingHandler(func(data string) error {
		st.extendDeadline()
		err := st.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})
}

func (st *wsStream) extendDeadline() {
	if err := st.conn.SetReadDeadline(time.Now().Add(st.readTimeout)); err != nil {
		st.logger.Debug("error setting read deadline", zap.Error(err))
	}
}

func (st *wsStream) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				st.logger.Debug("live stream ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (st *wsStream) Events() <-chan realtime.Event { return st.events }

func (st *wsStream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		_ = st.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = st.conn.Close()
	})
	return err
}

// read splits frames on newlines since the server batches queued events
// into one frame.
func (st *wsStream) read() {
	defer close(st.events)

	for {
		_, frame, err := st.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.logger.Debug("live stream read ended", zap.Error(err))
			}
			return
		}
		st.extendDeadline()
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			e, err := realtime.DecodeEvent(line)
			if err != nil {
				st.logger.Warn("ignoring malformed event", zap.Error(err))
				continue
			}
			select {
			case st.events <- e:
			case <-st.done:
				return
			}
		}
	}
}
