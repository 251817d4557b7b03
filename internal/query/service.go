// Package query is the read/write facade the HTTP layer talks to. Writes
// are committed to the store first and only then announced to viewers, so
// an event is never published for a change that did not happen.
package query

import (
	"strings"

	"github.com/Tyrowin/chatboard/internal/message"
	"go.uber.org/zap"
)

// Store is the subset of message.Store the service needs.
type Store interface {
	Create(author, body, attachmentRef string) (message.Message, error)
	Delete(id string) (message.Message, error)
	Get(id string) (message.Message, error)
	List(limit, offset int) []message.Message
	Search(term string, limit int) []message.Message
}

// Notifier announces committed changes. Implementations must not block.
type Notifier interface {
	PublishCreated(m message.Message)
	PublishDeleted(id string)
}

// Service implements the message operations exposed over HTTP.
type Service struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
}

// NewService wires a Service to its store and notifier.
func NewService(store Store, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// ListMessages returns a page of messages, oldest-first within the page.
func (s *Service) ListMessages(limit, offset int) []message.Message {
	return s.store.List(limit, offset)
}

// SearchMessages returns up to message.DefaultSearchLimit matches,
// newest-first. A blank term yields no results.
func (s *Service) SearchMessages(term string) []message.Message {
	return s.store.Search(term, message.DefaultSearchLimit)
}

// GetMessage returns a single message or message.ErrNotFound.
func (s *Service) GetMessage(id string) (message.Message, error) {
	return s.store.Get(strings.TrimSpace(id))
}

// CreateMessage stores a new message and announces it.
func (s *Service) CreateMessage(author, body, attachmentRef string) (message.Message, error) {
	m, err := s.store.Create(strings.TrimSpace(author), strings.TrimSpace(body), attachmentRef)
	if err != nil {
		return message.Message{}, err
	}

	s.logger.Debug("message created",
		zap.String("id", m.ID),
		zap.String("author", m.Author),
		zap.Bool("attachment", m.HasAttachment()))
	s.notifier.PublishCreated(m)
	return m, nil
}

// DeleteMessage removes a message and announces the removal. Unknown ids
// yield message.ErrNotFound and no event.
func (s *Service) DeleteMessage(id string) (message.Message, error) {
	m, err := s.store.Delete(strings.TrimSpace(id))
	if err != nil {
		return message.Message{}, err
	}

	s.logger.Debug("message deleted", zap.String("id", m.ID))
	s.notifier.PublishDeleted(m.ID)
	return m, nil
}
