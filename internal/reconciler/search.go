package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"go.uber.org/zap"
)

// DefaultSearchDebounce is how long SearchView waits after the last term
// change before querying.
const DefaultSearchDebounce = 300 * time.Millisecond

// SearchView holds the result of the most recent search. It is never
// updated by live events; only a new query refreshes it.
type SearchView struct {
	fetcher  Fetcher
	debounce time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	onResult func(term string, results []message.Message, err error)

	mu      sync.Mutex
	term    string
	results []message.Message
	err     error
	seq     uint64
	timer   *time.Timer
}

// SearchOptions tunes a SearchView.
type SearchOptions struct {
	Debounce time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
	// OnResult, when set, is called after each query that was not
	// superseded by a newer term.
	OnResult func(term string, results []message.Message, err error)
}

// NewSearchView creates an empty SearchView.
func NewSearchView(fetcher Fetcher, opts SearchOptions) *SearchView {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultSearchDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SearchView{
		fetcher:  fetcher,
		debounce: opts.Debounce,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		onResult: opts.OnResult,
	}
}

// SetTerm records a new search term and schedules a query after the
// debounce interval. A blank term clears the results immediately without
// querying.
func (s *SearchView) SetTerm(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.term = term
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if strings.TrimSpace(term) == "" {
		s.results = nil
		s.err = nil
		return
	}

	seq := s.seq
	s.timer = time.AfterFunc(s.debounce, func() {
		s.run(seq, term)
	})
}

// Search queries immediately, bypassing the debounce.
func (s *SearchView) Search(ctx context.Context, term string) ([]message.Message, error) {
	s.mu.Lock()
	s.term = term
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	return s.query(ctx, seq, term)
}

func (s *SearchView) run(seq uint64, term string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.query(ctx, seq, term)
}

func (s *SearchView) query(ctx context.Context, seq uint64, term string) ([]message.Message, error) {
	if strings.TrimSpace(term) == "" {
		s.mu.Lock()
		if seq == s.seq {
			s.results = nil
			s.err = nil
		}
		s.mu.Unlock()
		return nil, nil
	}

	results, err := s.fetcher.SearchMessages(ctx, term)
	if err != nil {
		s.logger.Warn("search failed", zap.String("term", term), zap.Error(err))
	}

	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return results, err
	}
	if err == nil {
		s.results = results
	}
	s.err = err
	s.mu.Unlock()

	if s.onResult != nil {
		s.onResult(term, results, err)
	}
	return results, err
}

// Term returns the current search term.
func (s *SearchView) Term() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// Results returns a copy of the latest results. A failed query keeps the
// previous results.
func (s *SearchView) Results() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.results))
	copy(out, s.results)
	return out
}

// Err returns the error of the latest query, if any.
func (s *SearchView) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels any pending query.
func (s *SearchView) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
