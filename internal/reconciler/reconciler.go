// Package reconciler keeps a viewer's local copy of the board consistent
// with the server: a snapshot fetch followed by live created/deleted
// events folded into an id-keyed view.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/realtime"
	"go.uber.org/zap"
)

var (
	// ErrNotSynced is returned by Subscribe before a snapshot was loaded.
	ErrNotSynced = errors.New("reconciler has no snapshot yet")
	// ErrRealtimeUnavailable is returned by Subscribe when no live stream
	// could be established. The reconciler is Degraded afterwards.
	ErrRealtimeUnavailable = errors.New("realtime updates unavailable")
)

// Fetcher is the request/response side of the server API.
type Fetcher interface {
	FetchMessages(ctx context.Context) ([]message.Message, error)
	SearchMessages(ctx context.Context, term string) ([]message.Message, error)
	CreateMessage(ctx context.Context, author, body string) (message.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Stream is an established live event subscription.
type Stream interface {
	// Events is closed when the stream ends.
	Events() <-chan realtime.Event
	Close() error
}

// Subscriber opens live event streams. ctx bounds only the handshake.
type Subscriber interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// Options tunes a Reconciler.
type Options struct {
	FetchTimeout     time.Duration
	SubscribeTimeout time.Duration
	Logger           *zap.Logger
	// OnChange, when set, is called after every change to the view or the
	// state, outside the reconciler's lock.
	OnChange func(messages []message.Message, state State)
}

// Reconciler merges a snapshot and the live event stream into one local
// view for a single viewer.
type Reconciler struct {
	fetcher    Fetcher
	subscriber Subscriber
	opts       Options
	logger     *zap.Logger

	mu      sync.RWMutex
	state   State
	view    *View
	lastErr error
	stream  Stream
	closed  bool

	// While fetches are in flight, applied events are also recorded so they
	// can be replayed onto the snapshot that arrives.
	fetching int
	pending  []realtime.Event
}

// New creates a Reconciler in the Initializing state. subscriber may be nil
// when no realtime transport is configured; Subscribe then degrades.
func New(fetcher Fetcher, subscriber Subscriber, opts Options) *Reconciler {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		fetcher:    fetcher,
		subscriber: subscriber,
		opts:       opts,
		logger:     logger,
		state:      Initializing,
		view:       NewView(nil),
	}
}

// State returns the current mode.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the most recent fetch or request error, cleared by the next
// successful fetch.
func (r *Reconciler) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Snapshot returns a copy of the local view in display order.
func (r *Reconciler) Snapshot() []message.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view.Messages()
}

// Initialize loads the first snapshot. On failure the reconciler stays
// Initializing and the caller may retry.
func (r *Reconciler) Initialize(ctx context.Context) error {
	msgs, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.view = NewView(msgs)
	r.replayPending()
	if r.state == Initializing {
		r.state = Synced
	}
	r.mu.Unlock()

	r.logger.Info("snapshot loaded", zap.Int("messages", len(msgs)))
	r.notify()
	return nil
}

// Refresh replaces the local view with a fresh snapshot without changing
// mode. On failure the last-known view is kept.
func (r *Reconciler) Refresh(ctx context.Context) error {
	if r.State() == Initializing {
		return r.Initialize(ctx)
	}

	msgs, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.view = NewView(msgs)
	r.replayPending()
	r.mu.Unlock()

	r.notify()
	return nil
}

// replayPending folds events seen during the fetch onto the new view and
// ends the fetch. Callers hold r.mu.
func (r *Reconciler) replayPending() {
	for _, e := range r.pending {
		r.view.Apply(e)
	}
	r.endFetch()
}

// endFetch drops the recorded events once no fetch is in flight. Callers
// hold r.mu.
func (r *Reconciler) endFetch() {
	r.fetching--
	if r.fetching == 0 {
		r.pending = nil
	}
}

func (r *Reconciler) fetch(ctx context.Context) ([]message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	r.mu.Lock()
	r.fetching++
	r.mu.Unlock()

	msgs, err := r.fetcher.FetchMessages(ctx)
	r.mu.Lock()
	r.lastErr = err
	if err != nil {
		r.endFetch()
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("failed to fetch messages", zap.Error(err))
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return msgs, nil
}

// Subscribe opens the live stream and applies its events in arrival order
// until ctx ends. Failure to connect, or the stream ending while ctx is
// still live, moves the reconciler to Degraded for good.
func (r *Reconciler) Subscribe(ctx context.Context) error {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()

	switch state {
	case Initializing:
		return ErrNotSynced
	case Degraded:
		return ErrRealtimeUnavailable
	}

	if r.subscriber == nil {
		r.degrade(errors.New("no realtime transport configured"))
		return ErrRealtimeUnavailable
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.SubscribeTimeout)
	stream, err := r.subscriber.Subscribe(dialCtx)
	cancel()
	if err != nil {
		r.degrade(err)
		return fmt.Errorf("%w: %v", ErrRealtimeUnavailable, err)
	}

	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()

	r.logger.Info("subscribed to live updates")
	go r.consume(ctx, stream)
	return nil
}

func (r *Reconciler) consume(ctx context.Context, stream Stream) {
	defer stream.Close()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				r.mu.RLock()
				closed := r.closed
				r.mu.RUnlock()
				if ctx.Err() == nil && !closed {
					r.degrade(errors.New("live stream ended"))
				}
				return
			}
			r.ApplyEvent(e)
		}
	}
}

func (r *Reconciler) degrade(cause error) {
	r.mu.Lock()
	changed := r.state != Degraded
	r.state = Degraded
	r.stream = nil
	r.mu.Unlock()

	if changed {
		r.logger.Warn("live updates unavailable, refresh manually to see new messages", zap.Error(cause))
		r.notify()
	}
}

// ApplyEvent folds one event into the local view.
func (r *Reconciler) ApplyEvent(e realtime.Event) {
	r.mu.Lock()
	if r.fetching > 0 {
		r.pending = append(r.pending, e)
	}
	changed := r.view.Apply(e)
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// Create posts a message and appends it locally as soon as the server
// accepts it. The later broadcast echo is absorbed by the view.
func (r *Reconciler) Create(ctx context.Context, author, body string) (message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	m, err := r.fetcher.CreateMessage(ctx, author, body)
	if err != nil {
		r.setErr(err)
		return message.Message{}, err
	}
	r.ApplyEvent(realtime.CreatedEvent(m))
	return m, nil
}

// Delete removes a message on the server and locally. A message the server
// no longer knows is removed locally too.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	err := r.fetcher.DeleteMessage(ctx, id)
	if err != nil && !errors.Is(err, message.ErrNotFound) {
		r.setErr(err)
		return err
	}
	r.ApplyEvent(realtime.DeletedEvent(id))
	return err
}

func (r *Reconciler) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Close ends the live stream, if any.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.closed = true
	r.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Close()
}

func (r *Reconciler) notify() {
	if r.opts.OnChange == nil {
		return
	}
	r.mu.RLock()
	msgs := r.view.Messages()
	state := r.state
	r.mu.RUnlock()
	r.opts.OnChange(msgs, state)
}
