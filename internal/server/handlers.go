// Package server exposes the HTTP handlers for the message API, the
// WebSocket upgrade, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/chatboard/internal/attachment"
	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/query"
	"github.com/Tyrowin/chatboard/internal/realtime"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxJSONBody = 1 << 20

// API holds the dependencies of the HTTP handlers.
type API struct {
	svc      *query.Service
	uploader *attachment.Uploader
	hub      *realtime.Hub
	metrics  *Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewAPI wires the handlers. hub is nil when realtime is disabled.
func NewAPI(svc *query.Service, uploader *attachment.Uploader, hub *realtime.Hub, metrics *Metrics, origins *originPolicy, logger *zap.Logger) *API {
	return &API{
		svc:      svc,
		uploader: uploader,
		hub:      hub,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkWebSocketOrigin,
		},
		now: time.Now,
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type listResponse struct {
	Success  bool              `json:"success"`
	Messages []message.Message `json:"messages"`
}

type messageResponse struct {
	Success bool            `json:"success"`
	Message message.Message `json:"message"`
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Realtime  bool   `json:"realtime"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func writeMessages(w http.ResponseWriter, msgs []message.Message) {
	if msgs == nil {
		msgs = []message.Message{}
	}
	writeJSON(w, http.StatusOK, listResponse{Success: true, Messages: msgs})
}

// writeServiceError maps domain errors onto status codes. Anything
// unrecognized is logged and answered with fallback.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var ve *message.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, validationMessage(ve))
	case errors.Is(err, message.ErrNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, message.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
	case attachment.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(fallback,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func validationMessage(ve *message.ValidationError) string {
	field := ve.Field
	if field != "" {
		field = strings.ToUpper(field[:1]) + field[1:]
	}
	return field + " " + ve.Reason
}

// Health reports liveness and whether live updates are available.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Message:   "Backend is running",
		Timestamp: a.now().UTC().Format(time.RFC3339Nano),
		Realtime:  a.hub != nil,
	})
}

// ListMessages serves GET /api/messages?limit=&offset=. Unparsable or
// non-positive limits fall back to the default page size; unparsable or
// negative offsets to zero.
func (a *API) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = message.DefaultListLimit
	}
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	writeMessages(w, a.svc.ListMessages(limit, offset))
}

// SearchMessages serves GET /api/messages/search?q=.
func (a *API) SearchMessages(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if strings.TrimSpace(term) == "" {
		writeMessages(w, nil)
		return
	}
	writeMessages(w, a.svc.SearchMessages(term))
}

// GetMessage serves GET /api/messages/{id}.
func (a *API) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.GetMessage(mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err, "Failed to fetch message")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: m})
}

type createRequest struct {
	Author   string `json:"author"`
	Body     string `json:"body"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// CreateMessage serves POST /api/messages with a JSON body. The older
// username/message field names are accepted too.
func (a *API) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	author := firstNonEmpty(req.Author, req.Username)
	body := firstNonEmpty(req.Body, req.Message)
	if author == "" || body == "" {
		writeError(w, http.StatusBadRequest, "Author and body are required")
		return
	}
	if strings.TrimSpace(body) == "" {
		writeError(w, http.StatusBadRequest, "Message cannot be empty")
		return
	}

	m, err := a.svc.CreateMessage(author, body, "")
	if err != nil {
		a.writeServiceError(w, r, err, "Failed to create message")
		return
	}
	a.metrics.messagesCreated.Inc()
	writeJSON(w, http.StatusCreated, messageResponse{Success: true, Message: m})
}

// CreateMessageWithImage serves POST /api/messages/with-image. Once the
// image is stored, any later failure removes it again.
func (a *API) CreateMessageWithImage(w http.ResponseWriter, r *http.Request) {
	maxBytes := a.uploader.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxJSONBody)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "File too large. Maximum size is "+humanize.IBytes(uint64(maxBytes)))
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	author := strings.TrimSpace(firstNonEmpty(r.FormValue("author"), r.FormValue("username")))
	body := strings.TrimSpace(firstNonEmpty(r.FormValue("body"), r.FormValue("message")))
	if author == "" {
		writeError(w, http.StatusBadRequest, "Author is required")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		a.writeServiceError(w, r, err, "Failed to read image")
		return
	}

	ref, err := a.uploader.Upload(r.Context(), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		a.writeServiceError(w, r, err, "Failed to store image")
		return
	}

	m, err := a.svc.CreateMessage(author, body, ref)
	if err != nil {
		a.uploader.Discard(r.Context(), ref, "create failed")
		a.writeServiceError(w, r, err, "Failed to create message with image")
		return
	}
	a.metrics.messagesCreated.Inc()
	writeJSON(w, http.StatusCreated, messageResponse{Success: true, Message: m})
}

// DeleteMessage serves DELETE /api/messages/{id}. A stored attachment is
// removed with its message.
func (a *API) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.DeleteMessage(mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err, "Failed to delete message")
		return
	}
	a.metrics.messagesDeleted.Inc()
	if m.HasAttachment() {
		a.uploader.Discard(r.Context(), m.AttachmentRef, "message deleted")
	}
	writeJSON(w, http.StatusOK, deleteResponse{
		Success: true,
		Message: "Message deleted successfully",
		ID:      m.ID,
	})
}

// WebSocket upgrades viewers onto the broadcast topic. With realtime
// disabled it answers 503 so clients fall back to manual refresh.
func (a *API) WebSocket(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Realtime updates are disabled")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if err := a.hub.Register(conn, r.RemoteAddr); err != nil {
		a.logger.Debug("websocket registration refused", zap.Error(err))
	}
}
