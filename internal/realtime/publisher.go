package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Publish outcomes reported through PublisherOptions.OnOutcome.
const (
	OutcomePublished   = "published"
	OutcomeFailed      = "failed"
	OutcomeDropped     = "dropped"
	OutcomeBreakerOpen = "breaker_open"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 2 * time.Second
)

// Publisher announces committed store changes. Publishing never fails the
// caller: delivery problems are logged and the event is lost.
type Publisher interface {
	PublishCreated(m message.Message)
	PublishDeleted(id string)
	// Enabled reports whether events leave the process at all.
	Enabled() bool
	// Close drains queued events until ctx ends.
	Close(ctx context.Context) error
}

// PublisherOptions tunes an enabled publisher.
type PublisherOptions struct {
	QueueSize      int
	PublishTimeout time.Duration
	// OnOutcome, when set, is called once per event with one of the
	// Outcome constants.
	OnOutcome func(outcome string)
}

// NewDisabledPublisher returns a Publisher that discards every event.
func NewDisabledPublisher() Publisher {
	return disabledPublisher{}
}

type disabledPublisher struct{}

func (disabledPublisher) PublishCreated(message.Message)  {}
func (disabledPublisher) PublishDeleted(string)           {}
func (disabledPublisher) Enabled() bool                   { return false }
func (disabledPublisher) Close(ctx context.Context) error { return nil }

// brokerPublisher queues events and hands them to a Broker from a single
// goroutine, so events reach the topic in commit order.
type brokerPublisher struct {
	broker  Broker
	logger  *zap.Logger
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	report  func(string)

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewPublisher starts a Publisher that delivers through broker. A nil
// broker yields the disabled publisher.
func NewPublisher(broker Broker, logger *zap.Logger, opts PublisherOptions) Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broker == nil {
		logger.Warn("realtime disabled: no broker configured, events will not be published")
		return NewDisabledPublisher()
	}
	logger.Info("realtime enabled", zap.String("broker", broker.Name()))
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	report := opts.OnOutcome
	if report == nil {
		report = func(string) {}
	}

	p := &brokerPublisher{
		broker:  broker,
		logger:  logger,
		timeout: opts.PublishTimeout,
		report:  report,
		queue:   make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "publisher-" + broker.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	go p.run()
	return p
}

func (p *brokerPublisher) Enabled() bool { return true }

func (p *brokerPublisher) PublishCreated(m message.Message) {
	p.enqueue(CreatedEvent(m))
}

func (p *brokerPublisher) PublishDeleted(id string) {
	p.enqueue(DeletedEvent(id))
}

func (p *brokerPublisher) enqueue(e Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.report(OutcomeDropped)
		return
	}

	select {
	case p.queue <- e:
	default:
		p.logger.Warn("publish queue full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("message_id", e.MessageID()))
		p.report(OutcomeDropped)
	}
}

func (p *brokerPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		p.deliver(e)
	}
}

func (p *brokerPublisher) deliver(e Event) {
	payload, err := e.Encode()
	if err != nil {
		p.logger.Error("failed to encode event", zap.Error(err))
		p.report(OutcomeFailed)
		return
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		return nil, p.broker.Publish(ctx, payload)
	})

	switch {
	case err == nil:
		p.report(OutcomePublished)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.logger.Warn("publish skipped, circuit open",
			zap.String("broker", p.broker.Name()),
			zap.String("type", string(e.Type)),
			zap.String("message_id", e.MessageID()))
		p.report(OutcomeBreakerOpen)
	default:
		p.logger.Error("failed to publish event",
			zap.String("broker", p.broker.Name()),
			zap.String("type", string(e.Type)),
			zap.String("message_id", e.MessageID()),
			zap.Error(err))
		p.report(OutcomeFailed)
	}
}

func (p *brokerPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
