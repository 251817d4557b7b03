package realtime_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/realtime"
)

// TestEventWireFormat verifies the exact JSON envelopes viewers receive.
func TestEventWireFormat(t *testing.T) {
	t.Run("Deleted event carries only the id", func(t *testing.T) {
		payload, err := realtime.DeletedEvent("abc").Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if string(payload) != `{"type":"deleted","id":"abc"}` {
			t.Errorf("Unexpected payload: %s", payload)
		}
	})

	t.Run("Created event carries the full record", func(t *testing.T) {
		m := message.Message{
			ID:        "m1",
			Author:    "alice",
			Body:      "hi",
			CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		payload, err := realtime.CreatedEvent(m).Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		s := string(payload)
		if !strings.HasPrefix(s, `{"type":"created","message":{`) {
			t.Errorf("Unexpected payload prefix: %s", s)
		}
		if strings.Contains(s, "attachment_ref") {
			t.Errorf("Expected empty attachment_ref to be omitted: %s", s)
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if _, ok := envelope["id"]; ok {
			t.Errorf("Created event should not carry a top-level id: %s", s)
		}
	})
}

// TestDecodeEvent verifies round trips and rejection of malformed payloads.
func TestDecodeEvent(t *testing.T) {
	m := message.Message{ID: "m1", Author: "alice", Body: "hi", CreatedAt: time.Now().UTC()}
	payload, err := realtime.CreatedEvent(m).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	e, err := realtime.DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if e.Type != realtime.EventCreated || e.MessageID() != "m1" || e.Message.Author != "alice" {
		t.Errorf("Unexpected decoded event: %+v", e)
	}

	bad := []string{
		`not json`,
		`{"type":"created"}`,
		`{"type":"deleted"}`,
		`{"type":"edited","id":"x"}`,
	}
	for _, p := range bad {
		if _, err := realtime.DecodeEvent([]byte(p)); !errors.Is(err, realtime.ErrInvalidEvent) {
			t.Errorf("Expected ErrInvalidEvent for %q, got %v", p, err)
		}
	}
}
