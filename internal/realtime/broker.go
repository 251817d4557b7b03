package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrBrokerClosed is returned when publishing to or subscribing on a closed
// broker.
var ErrBrokerClosed = errors.New("realtime broker closed")

// Broker is the transport behind the shared broadcast topic.
type Broker interface {
	// Publish delivers payload to the topic. It is best effort.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel that receives every payload published
	// after the subscription was established. The channel is closed when
	// ctx ends or the subscription breaks.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	// Name identifies the transport in logs.
	Name() string
	Close() error
}

// LocalBroker is an in-process topic for single-node deployments.
type LocalBroker struct {
	mu      sync.RWMutex
	subs    map[chan []byte]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewLocalBroker creates a LocalBroker whose subscribers buffer up to buffer
// payloads each.
func NewLocalBroker(buffer int, logger *zap.Logger) *LocalBroker {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBroker{
		subs:   make(map[chan []byte]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Name implements Broker.
func (b *LocalBroker) Name() string { return "local" }

// Publish fans payload out to every subscriber. A subscriber whose buffer
// is full misses the payload rather than stalling the publisher.
func (b *LocalBroker) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
			total := b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, payload dropped",
				zap.Int("buffer", b.buffer), zap.Uint64("dropped_total", total))
		}
	}
	return nil
}

// Dropped returns how many per-subscriber deliveries were skipped because
// the subscriber's buffer was full.
func (b *LocalBroker) Dropped() uint64 { return b.dropped.Load() }

// Subscribe implements Broker.
func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	ch := make(chan []byte, b.buffer)
	b.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()

	return ch, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *LocalBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
