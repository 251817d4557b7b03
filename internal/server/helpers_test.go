package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/chatboard/internal/realtime"
	"go.uber.org/zap"
)

// newTestApp builds an App with disk uploads in a temp dir and a relaxed
// write limit. mutate adjusts the config before construction.
func newTestApp(t *testing.T, mutate func(*Config)) (*App, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Uploads.Dir = t.TempDir()
	cfg.HTTPRateLimit = HTTPRateLimitConfig{RPS: 1000, Burst: 1000}
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app, srv
}

func withLocalRealtime(cfg *Config) { cfg.Realtime.Local = true }

// waitForRelay blocks until the hub has subscribed to the local broker.
func waitForRelay(t *testing.T, app *App) {
	t.Helper()
	local, ok := app.broker.(*realtime.LocalBroker)
	if !ok {
		t.Fatalf("Expected local broker, got %T", app.broker)
	}
	waitFor(t, func() bool { return local.SubscriberCount() > 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type apiResponse struct {
	Success  bool              `json:"success"`
	Error    string            `json:"error"`
	Message  json.RawMessage   `json:"message"`
	Messages []json.RawMessage `json:"messages"`
	ID       string            `json:"id"`
}

type messageJSON struct {
	ID            string    `json:"id"`
	Author        string    `json:"author"`
	Body          string    `json:"body"`
	AttachmentRef string    `json:"attachment_ref"`
	CreatedAt     time.Time `json:"created_at"`
}

func (r apiResponse) message(t *testing.T) messageJSON {
	t.Helper()
	var m messageJSON
	if err := json.Unmarshal(r.Message, &m); err != nil {
		t.Fatalf("decode message %s: %v", r.Message, err)
	}
	return m
}

func (r apiResponse) messages(t *testing.T) []messageJSON {
	t.Helper()
	out := make([]messageJSON, 0, len(r.Messages))
	for _, raw := range r.Messages {
		var m messageJSON
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode message %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func doRequest(t *testing.T, method, url, contentType string, body io.Reader) (int, apiResponse) {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("Failed to decode %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func decodeBody(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(t *testing.T, url string, payload interface{}) (int, apiResponse) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return doRequest(t, http.MethodPost, url, "application/json", bytes.NewReader(data))
}

func createMessage(t *testing.T, baseURL, author, body string) messageJSON {
	t.Helper()
	status, resp := postJSON(t, baseURL+"/api/messages", map[string]string{"author": author, "body": body})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201 creating message, got %d (%s)", status, resp.Error)
	}
	return resp.message(t)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// multipartBody builds a with-image form. A nil image omits the file part.
func multipartBody(t *testing.T, fields map[string]string, filename string, image []byte) (string, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if image != nil {
		part, err := w.CreateFormFile("image", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := part.Write(image); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return w.FormDataContentType(), &buf
}
