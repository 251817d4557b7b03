package reconciler_test

import (
	"testing"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/realtime"
	"github.com/Tyrowin/chatboard/internal/reconciler"
)

func msg(id string) message.Message {
	return message.Message{ID: id, Author: "user", Body: "body " + id}
}

func viewIDs(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, got []message.Message, want ...string) {
	t.Helper()
	ids := viewIDs(got)
	if len(ids) != len(want) {
		t.Fatalf("Expected ids %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("Expected ids %v, got %v", want, ids)
		}
	}
}

// TestViewApply covers the idempotent merge rules.
func TestViewApply(t *testing.T) {
	t.Run("Created appends at the end", func(t *testing.T) {
		v := reconciler.NewView([]message.Message{msg("a"), msg("b")})
		if !v.Apply(realtime.CreatedEvent(msg("c"))) {
			t.Error("Expected view to change")
		}
		assertIDs(t, v.Messages(), "a", "b", "c")
	})

	t.Run("Duplicate created is a no-op", func(t *testing.T) {
		v := reconciler.NewView([]message.Message{msg("a")})
		if v.Apply(realtime.CreatedEvent(msg("a"))) {
			t.Error("Expected duplicate created to be ignored")
		}
		assertIDs(t, v.Messages(), "a")
	})

	t.Run("Deleted for unknown id is a no-op", func(t *testing.T) {
		v := reconciler.NewView([]message.Message{msg("a")})
		if v.Apply(realtime.DeletedEvent("zzz")) {
			t.Error("Expected unknown delete to be ignored")
		}
		assertIDs(t, v.Messages(), "a")
	})

	t.Run("Deleted keeps the index consistent", func(t *testing.T) {
		v := reconciler.NewView([]message.Message{msg("a"), msg("b"), msg("c"), msg("d")})
		v.Apply(realtime.DeletedEvent("b"))
		v.Apply(realtime.DeletedEvent("d"))
		v.Apply(realtime.DeletedEvent("a"))
		assertIDs(t, v.Messages(), "c")
		if !v.Contains("c") || v.Contains("a") {
			t.Error("Index out of sync after deletes")
		}
		v.Apply(realtime.CreatedEvent(msg("e")))
		v.Apply(realtime.DeletedEvent("c"))
		assertIDs(t, v.Messages(), "e")
	})

	t.Run("Snapshot duplicates keep the first occurrence", func(t *testing.T) {
		v := reconciler.NewView([]message.Message{msg("a"), msg("b"), msg("a")})
		assertIDs(t, v.Messages(), "a", "b")
		if v.Len() != 2 {
			t.Errorf("Expected length 2, got %d", v.Len())
		}
	})

	t.Run("Messages returns a copy", func(t *testing.T) {
		v := reconciler.NewView([]message.Message{msg("a")})
		out := v.Messages()
		out[0].ID = "mutated"
		assertIDs(t, v.Messages(), "a")
	})
}

// TestReduceIsIdempotent verifies replaying an event stream, in whole or
// with duplicates, converges to the same list.
func TestReduceIsIdempotent(t *testing.T) {
	snapshot := []message.Message{msg("a"), msg("b")}
	events := []realtime.Event{
		realtime.CreatedEvent(msg("c")),
		realtime.DeletedEvent("a"),
		realtime.CreatedEvent(msg("d")),
	}

	once := reconciler.Reduce(snapshot, events...)

	doubled := append(append([]realtime.Event{}, events...), events...)
	twice := reconciler.Reduce(snapshot, doubled...)

	assertIDs(t, once, "b", "c", "d")
	assertIDs(t, twice, viewIDs(once)...)
}
