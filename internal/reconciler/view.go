package reconciler

import (
	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/realtime"
)

// View is an ordered message list keyed by id. Applying an event is
// idempotent: a created event for a known id and a deleted event for an
// unknown id leave the view unchanged.
//
// View is not safe for concurrent use.
type View struct {
	messages []message.Message
	index    map[string]int
}

// NewView builds a view from a snapshot in display order. Duplicate ids in
// the snapshot keep their first occurrence.
func NewView(snapshot []message.Message) *View {
	v := &View{
		messages: make([]message.Message, 0, len(snapshot)),
		index:    make(map[string]int, len(snapshot)),
	}
	for _, m := range snapshot {
		v.insert(m)
	}
	return v
}

// Apply folds one event into the view and reports whether it changed.
// Created messages are appended at the end; the stream is already ordered.
func (v *View) Apply(e realtime.Event) bool {
	switch e.Type {
	case realtime.EventCreated:
		if e.Message == nil {
			return false
		}
		return v.insert(*e.Message)
	case realtime.EventDeleted:
		return v.remove(e.ID)
	default:
		return false
	}
}

func (v *View) insert(m message.Message) bool {
	if _, ok := v.index[m.ID]; ok {
		return false
	}
	v.index[m.ID] = len(v.messages)
	v.messages = append(v.messages, m)
	return true
}

func (v *View) remove(id string) bool {
	i, ok := v.index[id]
	if !ok {
		return false
	}
	delete(v.index, id)
	v.messages = append(v.messages[:i], v.messages[i+1:]...)
	for j := i; j < len(v.messages); j++ {
		v.index[v.messages[j].ID] = j
	}
	return true
}

// Contains reports whether a message with id is in the view.
func (v *View) Contains(id string) bool {
	_, ok := v.index[id]
	return ok
}

// Len returns the number of messages in the view.
func (v *View) Len() int { return len(v.messages) }

// Messages returns a copy of the view in display order.
func (v *View) Messages() []message.Message {
	out := make([]message.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Reduce folds events over snapshot and returns the resulting list.
func Reduce(snapshot []message.Message, events ...realtime.Event) []message.Message {
	v := NewView(snapshot)
	for _, e := range events {
		v.Apply(e)
	}
	return v.Messages()
}
