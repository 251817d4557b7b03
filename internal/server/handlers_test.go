package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestHealthEndpoint(t *testing.T) {
	t.Run("realtime disabled", func(t *testing.T) {
		_, srv := newTestApp(t, nil)

		resp, err := http.Get(srv.URL + "/api/health")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status code %d, got %d", http.StatusOK, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected content type application/json, got %s", ct)
		}

		var body healthResponse
		if err := decodeBody(resp, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "ok" || body.Message != "Backend is running" {
			t.Errorf("Unexpected health body %+v", body)
		}
		if body.Realtime {
			t.Error("Expected realtime=false without a broker")
		}
		if body.Timestamp == "" {
			t.Error("Expected a timestamp")
		}
	})

	t.Run("realtime enabled", func(t *testing.T) {
		_, srv := newTestApp(t, withLocalRealtime)

		resp, err := http.Get(srv.URL + "/api/health")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()

		var body healthResponse
		if err := decodeBody(resp, &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !body.Realtime {
			t.Error("Expected realtime=true with the local broker")
		}
	})
}

func TestCreateMessage(t *testing.T) {
	_, srv := newTestApp(t, nil)

	t.Run("author and body", func(t *testing.T) {
		status, resp := postJSON(t, srv.URL+"/api/messages", map[string]string{"author": " alice ", "body": " hello "})
		if status != http.StatusCreated {
			t.Fatalf("Expected 201, got %d (%s)", status, resp.Error)
		}
		m := resp.message(t)
		if !resp.Success || m.ID == "" {
			t.Errorf("Unexpected response %+v", resp)
		}
		if m.Author != "alice" || m.Body != "hello" {
			t.Errorf("Expected trimmed fields, got %q/%q", m.Author, m.Body)
		}
		if m.CreatedAt.IsZero() {
			t.Error("Expected created_at to be set")
		}
	})

	t.Run("legacy field names", func(t *testing.T) {
		status, resp := postJSON(t, srv.URL+"/api/messages", map[string]string{"username": "bob", "message": "hi"})
		if status != http.StatusCreated {
			t.Fatalf("Expected 201, got %d (%s)", status, resp.Error)
		}
		if m := resp.message(t); m.Author != "bob" || m.Body != "hi" {
			t.Errorf("Unexpected message %+v", m)
		}
	})

	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"invalid json", `{"author":`, "Invalid JSON body"},
		{"missing author", `{"body":"hi"}`, "Author and body are required"},
		{"missing body", `{"author":"alice"}`, "Author and body are required"},
		{"blank body", `{"author":"alice","body":"   "}`, "Message cannot be empty"},
		{"blank author", `{"author":"   ","body":"hi"}`, "Author is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := doRequest(t, http.MethodPost, srv.URL+"/api/messages", "application/json", strings.NewReader(tt.payload))
			if status != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", status)
			}
			if resp.Success || resp.Error != tt.wantErr {
				t.Errorf("Expected error %q, got %+v", tt.wantErr, resp)
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	_, srv := newTestApp(t, nil)

	t.Run("empty board is an empty array", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/messages")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		raw := new(bytes.Buffer)
		_, _ = raw.ReadFrom(resp.Body)
		if !strings.Contains(raw.String(), `"messages":[]`) {
			t.Errorf("Expected an empty array, got %s", raw.String())
		}
	})

	for i := 1; i <= 5; i++ {
		createMessage(t, srv.URL, "alice", "msg "+strconv.Itoa(i))
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"default", "", []string{"msg 1", "msg 2", "msg 3", "msg 4", "msg 5"}},
		{"latest two", "?limit=2", []string{"msg 4", "msg 5"}},
		{"offset from newest", "?limit=2&offset=1", []string{"msg 3", "msg 4"}},
		{"offset past the start", "?limit=2&offset=10", []string{}},
		{"unparsable limit", "?limit=abc", []string{"msg 1", "msg 2", "msg 3", "msg 4", "msg 5"}},
		{"negative limit", "?limit=-3", []string{"msg 1", "msg 2", "msg 3", "msg 4", "msg 5"}},
		{"negative offset", "?limit=1&offset=-2", []string{"msg 5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := doRequest(t, http.MethodGet, srv.URL+"/api/messages"+tt.query, "", nil)
			if status != http.StatusOK {
				t.Fatalf("Expected 200, got %d", status)
			}
			got := resp.messages(t)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d messages, got %d", len(tt.want), len(got))
			}
			for i, m := range got {
				if m.Body != tt.want[i] {
					t.Errorf("Position %d: expected %q, got %q", i, tt.want[i], m.Body)
				}
			}
		})
	}
}

func TestSearchMessages(t *testing.T) {
	_, srv := newTestApp(t, nil)

	createMessage(t, srv.URL, "Alice", "first post")
	createMessage(t, srv.URL, "bob", "hello alice")
	createMessage(t, srv.URL, "carol", "unrelated")

	t.Run("matches author or body, newest first", func(t *testing.T) {
		status, resp := doRequest(t, http.MethodGet, srv.URL+"/api/messages/search?q=ALICE", "", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		got := resp.messages(t)
		if len(got) != 2 {
			t.Fatalf("Expected 2 matches, got %d", len(got))
		}
		if got[0].Author != "bob" || got[1].Author != "Alice" {
			t.Errorf("Expected newest first, got %q then %q", got[0].Author, got[1].Author)
		}
	})

	t.Run("blank term", func(t *testing.T) {
		status, resp := doRequest(t, http.MethodGet, srv.URL+"/api/messages/search?q=%20%20", "", nil)
		if status != http.StatusOK {
			t.Fatalf("Expected 200, got %d", status)
		}
		if !resp.Success || len(resp.Messages) != 0 {
			t.Errorf("Expected no results, got %+v", resp)
		}
	})

	t.Run("not captured as an id", func(t *testing.T) {
		status, _ := doRequest(t, http.MethodGet, srv.URL+"/api/messages/search", "", nil)
		if status != http.StatusOK {
			t.Errorf("Expected 200 for the search route, got %d", status)
		}
	})
}

func TestGetAndDeleteMessage(t *testing.T) {
	_, srv := newTestApp(t, nil)
	m := createMessage(t, srv.URL, "alice", "short-lived")

	status, resp := doRequest(t, http.MethodGet, srv.URL+"/api/messages/"+m.ID, "", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if got := resp.message(t); got.ID != m.ID || got.Body != "short-lived" {
		t.Errorf("Unexpected message %+v", got)
	}

	status, resp = doRequest(t, http.MethodDelete, srv.URL+"/api/messages/"+m.ID, "", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if !resp.Success || resp.ID != m.ID || string(resp.Message) != `"Message deleted successfully"` {
		t.Errorf("Unexpected delete response %+v", resp)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		status, resp = doRequest(t, method, srv.URL+"/api/messages/"+m.ID, "", nil)
		if status != http.StatusNotFound {
			t.Errorf("%s after delete: expected 404, got %d", method, status)
		}
		if resp.Success || resp.Error != "Message not found" {
			t.Errorf("%s after delete: unexpected body %+v", method, resp)
		}
	}
}

func TestUnknownRoutes(t *testing.T) {
	_, srv := newTestApp(t, nil)

	status, resp := doRequest(t, http.MethodGet, srv.URL+"/api/nope", "", nil)
	if status != http.StatusNotFound || resp.Error != "Not found" {
		t.Errorf("Expected JSON 404, got %d %+v", status, resp)
	}

	status, resp = doRequest(t, http.MethodPut, srv.URL+"/api/messages", "application/json", strings.NewReader("{}"))
	if status != http.StatusMethodNotAllowed || resp.Error != "Method not allowed" {
		t.Errorf("Expected JSON 405, got %d %+v", status, resp)
	}
}

func TestBoardPage(t *testing.T) {
	_, srv := newTestApp(t, nil)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected HTML, got %s", ct)
	}
}

func TestCreateMessageWithImage(t *testing.T) {
	app, srv := newTestApp(t, nil)
	url := srv.URL + "/api/messages/with-image"

	t.Run("stores the image and serves it", func(t *testing.T) {
		ct, body := multipartBody(t, map[string]string{"author": "alice", "body": "look"}, "pic.png", pngBytes(t))
		status, resp := doRequest(t, http.MethodPost, url, ct, body)
		if status != http.StatusCreated {
			t.Fatalf("Expected 201, got %d (%s)", status, resp.Error)
		}
		m := resp.message(t)
		if !strings.HasPrefix(m.AttachmentRef, "/uploads/") || !strings.HasSuffix(m.AttachmentRef, ".png") {
			t.Fatalf("Unexpected attachment ref %q", m.AttachmentRef)
		}

		img, err := http.Get(srv.URL + m.AttachmentRef)
		if err != nil {
			t.Fatalf("Failed to fetch attachment: %v", err)
		}
		defer img.Body.Close()
		if img.StatusCode != http.StatusOK {
			t.Errorf("Expected attachment to be served, got %d", img.StatusCode)
		}
	})

	t.Run("body is optional", func(t *testing.T) {
		ct, body := multipartBody(t, map[string]string{"username": "bob"}, "pic.png", pngBytes(t))
		status, resp := doRequest(t, http.MethodPost, url, ct, body)
		if status != http.StatusCreated {
			t.Fatalf("Expected 201, got %d (%s)", status, resp.Error)
		}
		if m := resp.message(t); m.Author != "bob" || m.Body != "" {
			t.Errorf("Unexpected message %+v", m)
		}
	})

	tests := []struct {
		name    string
		fields  map[string]string
		file    string
		data    []byte
		wantErr string
	}{
		{"missing image", map[string]string{"author": "alice"}, "", nil, "Image file is required"},
		{"missing author", map[string]string{"body": "x"}, "pic.png", pngBytes(t), "Author is required"},
		{"not an image", map[string]string{"author": "alice"}, "notes.txt", []byte("plain text, not pixels"), "only image files are allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, body := multipartBody(t, tt.fields, tt.file, tt.data)
			status, resp := doRequest(t, http.MethodPost, url, ct, body)
			if status != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", status)
			}
			if !strings.Contains(strings.ToLower(resp.Error), strings.ToLower(tt.wantErr)) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, resp.Error)
			}
		})
	}

	t.Run("failed create removes the stored file", func(t *testing.T) {
		dir := app.Config().Uploads.Dir
		before := countFiles(t, dir)

		_ = app.store.Close()
		ct, body := multipartBody(t, map[string]string{"author": "alice"}, "pic.png", pngBytes(t))
		status, _ := doRequest(t, http.MethodPost, url, ct, body)
		if status != http.StatusServiceUnavailable {
			t.Errorf("Expected 503 from a closed store, got %d", status)
		}
		if after := countFiles(t, dir); after != before {
			t.Errorf("Expected %d files after cleanup, got %d", before, after)
		}
	})
}

func TestCreateMessageWithImageTooLarge(t *testing.T) {
	_, srv := newTestApp(t, func(cfg *Config) { cfg.Uploads.MaxBytes = 64 })

	ct, body := multipartBody(t, map[string]string{"author": "alice"}, "pic.png", pngBytes(t))
	status, resp := doRequest(t, http.MethodPost, srv.URL+"/api/messages/with-image", ct, body)
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", status)
	}
	if !strings.Contains(strings.ToLower(resp.Error), "too large") {
		t.Errorf("Expected a size error, got %q", resp.Error)
	}
}

func TestDeleteRemovesAttachment(t *testing.T) {
	app, srv := newTestApp(t, nil)

	ct, body := multipartBody(t, map[string]string{"author": "alice"}, "pic.png", pngBytes(t))
	status, resp := doRequest(t, http.MethodPost, srv.URL+"/api/messages/with-image", ct, body)
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d (%s)", status, resp.Error)
	}
	m := resp.message(t)
	path := filepath.Join(app.Config().Uploads.Dir, strings.TrimPrefix(m.AttachmentRef, "/uploads/"))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected stored file at %s: %v", path, err)
	}

	if status, _ := doRequest(t, http.MethodDelete, srv.URL+"/api/messages/"+m.ID, "", nil); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected attachment to be removed, stat err = %v", err)
	}
}

func TestWriteRateLimit(t *testing.T) {
	_, srv := newTestApp(t, func(cfg *Config) {
		cfg.HTTPRateLimit = HTTPRateLimitConfig{RPS: 0.001, Burst: 2}
	})

	for i := 0; i < 2; i++ {
		createMessage(t, srv.URL, "alice", "ok")
	}
	status, resp := postJSON(t, srv.URL+"/api/messages", map[string]string{"author": "alice", "body": "one too many"})
	if status != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", status)
	}
	if resp.Success || resp.Error == "" {
		t.Errorf("Expected an error body, got %+v", resp)
	}

	// reads are not limited
	if status, _ := doRequest(t, http.MethodGet, srv.URL+"/api/messages", "", nil); status != http.StatusOK {
		t.Errorf("Expected reads to pass, got %d", status)
	}
}

func TestCORS(t *testing.T) {
	_, srv := newTestApp(t, nil)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodOptions, srv.URL+"/api/messages", http.NoBody)
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	resp := preflight("http://localhost:3000")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}

	resp = preflight("http://evil.example")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for a foreign origin, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestApp(t, nil)
	m := createMessage(t, srv.URL, "alice", "counted")
	createMessage(t, srv.URL, "alice", "also counted")
	if status, _ := doRequest(t, http.MethodDelete, srv.URL+"/api/messages/"+m.ID, "", nil); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)
	text := raw.String()

	for _, want := range []string{
		"chatboard_messages_created_total 2",
		"chatboard_messages_deleted_total 1",
		"chatboard_messages_stored 1",
		`chatboard_http_requests_total{method="POST",route="/api/messages",status="201"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected metrics to contain %q", want)
		}
	}
}

func TestMetricsExposeLocalBrokerDrops(t *testing.T) {
	_, srv := newTestApp(t, withLocalRealtime)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)

	if !strings.Contains(raw.String(), "chatboard_local_broker_dropped_total 0") {
		t.Error("Expected the local broker drop counter to be exported")
	}
}

func TestRecovererReturnsGenericError(t *testing.T) {
	h := recoverer(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Internal server error") || strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("Expected a generic body, got %s", rec.Body.String())
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}
