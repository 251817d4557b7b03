// Package realtime carries message lifecycle events from the write path to
// every connected viewer: the Publisher hands events to a Broker topic and
// the Hub relays that topic to WebSocket clients.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/chatboard/internal/message"
)

// EventType names a message lifecycle transition.
type EventType string

const (
	// EventCreated carries the full new message record.
	EventCreated EventType = "created"
	// EventDeleted carries only the id of the removed message.
	EventDeleted EventType = "deleted"
)

// DefaultTopic is the single shared broadcast topic.
const DefaultTopic = "message-channel"

// ErrInvalidEvent is returned when a payload is not a well-formed event.
var ErrInvalidEvent = errors.New("invalid realtime event")

// Event is the wire envelope published on the broadcast topic.
type Event struct {
	Type    EventType        `json:"type"`
	Message *message.Message `json:"message,omitempty"`
	ID      string           `json:"id,omitempty"`
}

// CreatedEvent wraps a newly created message.
func CreatedEvent(m message.Message) Event {
	return Event{Type: EventCreated, Message: &m}
}

// DeletedEvent announces the removal of the message with the given id.
func DeletedEvent(id string) Event {
	return Event{Type: EventDeleted, ID: id}
}

// MessageID returns the id of the message the event refers to.
func (e Event) MessageID() string {
	if e.Type == EventCreated && e.Message != nil {
		return e.Message.ID
	}
	return e.ID
}

// Encode serializes the event for the broadcast topic.
func (e Event) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent parses and validates a payload received from the topic.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) validate() error {
	switch e.Type {
	case EventCreated:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: created event without message", ErrInvalidEvent)
		}
	case EventDeleted:
		if e.ID == "" {
			return fmt.Errorf("%w: deleted event without id", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}
