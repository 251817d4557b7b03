package message

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultListLimit is the page size used when a caller passes a
	// non-positive limit to List.
	DefaultListLimit = 50

	// DefaultMaxListLimit bounds List pages unless overridden with
	// WithMaxListLimit.
	DefaultMaxListLimit = 500

	// DefaultSearchLimit is both the default and the maximum number of
	// results returned by Search.
	DefaultSearchLimit = 100
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used to stamp new messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the id source used for new messages.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithMaxListLimit caps the page size List will honor.
func WithMaxListLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.maxListLimit = limit
		}
	}
}

// Store is the authoritative in-memory collection of messages.
//
// Records are kept in insertion order, which is also created_at order:
// timestamps are clamped so they never run backwards, and equal timestamps
// keep the order in which they were inserted. Mutations take the write lock
// and queries the read lock, so readers observe either the state before or
// after a mutation and never a partial one.
type Store struct {
	mu           sync.RWMutex
	messages     []Message
	byID         map[string]struct{}
	lastCreated  time.Time
	closed       bool
	now          func() time.Time
	newID        func() string
	maxListLimit int
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:         make(map[string]struct{}),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		maxListLimit: DefaultMaxListLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and appends a new message, assigning its id and
// creation time. Either body or attachmentRef must be non-empty.
func (s *Store) Create(author, body, attachmentRef string) (Message, error) {
	if strings.TrimSpace(author) == "" {
		return Message{}, NewValidationError("author", "is required")
	}
	if strings.TrimSpace(body) == "" && strings.TrimSpace(attachmentRef) == "" {
		return Message{}, NewValidationError("body", "must not be empty without an attachment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Message{}, ErrClosed
	}

	id := s.newID()
	for {
		if _, taken := s.byID[id]; !taken {
			break
		}
		id = s.newID()
	}

	createdAt := s.now()
	if createdAt.Before(s.lastCreated) {
		createdAt = s.lastCreated
	}
	s.lastCreated = createdAt

	msg := Message{
		ID:            id,
		Author:        author,
		Body:          body,
		AttachmentRef: attachmentRef,
		CreatedAt:     createdAt,
	}
	s.messages = append(s.messages, msg)
	s.byID[id] = struct{}{}
	return msg, nil
}

// Delete removes the message with the given id and returns it. Deleting an
// unknown or already deleted id returns ErrNotFound.
func (s *Store) Delete(id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Message{}, ErrClosed
	}
	if _, ok := s.byID[id]; !ok {
		return Message{}, ErrNotFound
	}

	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		removed := s.messages[i]
		copy(s.messages[i:], s.messages[i+1:])
		s.messages[len(s.messages)-1] = Message{}
		s.messages = s.messages[:len(s.messages)-1]
		delete(s.byID, id)
		return removed, nil
	}
	return Message{}, ErrNotFound
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[id]; !ok {
		return Message{}, ErrNotFound
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return s.messages[i], nil
		}
	}
	return Message{}, ErrNotFound
}

// List pages through messages from the newest end: offset skips that many of
// the most recent messages and limit bounds the page. The page itself is
// returned oldest-first, so offset 0 yields the latest messages in
// chronological order.
func (s *Store) List(limit, offset int) []Message {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > s.maxListLimit {
		limit = s.maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	end := len(s.messages) - offset
	if end <= 0 {
		return []Message{}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]Message, end-start)
	copy(page, s.messages[start:end])
	return page
}

// Search returns messages whose author or body contains term, ignoring
// case, newest first. A blank or whitespace-only term matches nothing.
func (s *Store) Search(term string, limit int) []Message {
	if strings.TrimSpace(term) == "" {
		return []Message{}
	}
	if limit <= 0 || limit > DefaultSearchLimit {
		limit = DefaultSearchLimit
	}
	needle := strings.ToLower(term)

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Message, 0, min(limit, len(s.messages)))
	for i := len(s.messages) - 1; i >= 0 && len(results) < limit; i-- {
		m := s.messages[i]
		if strings.Contains(strings.ToLower(m.Author), needle) ||
			strings.Contains(strings.ToLower(m.Body), needle) {
			results = append(results, m)
		}
	}
	return results
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Close stops the store from accepting further mutations. Reads keep
// working so in-flight requests can finish during shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
