// Package message defines the chat message record, the errors callers can
// expect when working with it, and the in-memory Store that owns every
// record for the lifetime of the server process.
package message

import (
	"errors"
	"time"
)

// Message is a single chat entry. Records are immutable once created; the
// Store hands out copies, never references to its own state.
type Message struct {
	ID            string    `json:"id"`
	Author        string    `json:"author"`
	Body          string    `json:"body"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasAttachment reports whether the message references an uploaded image.
func (m Message) HasAttachment() bool {
	return m.AttachmentRef != ""
}

var (
	// ErrNotFound is returned when no message matches the requested id.
	ErrNotFound = errors.New("message not found")

	// ErrClosed is returned by mutations issued after the store was closed.
	ErrClosed = errors.New("message store is closed")
)

// ValidationError reports a missing or empty required field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
