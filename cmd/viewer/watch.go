package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/reconciler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pollInterval time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&pollInterval, "poll", 10*time.Second, "refresh interval while live updates are unavailable (0 disables)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the board as messages are posted and deleted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, cmd.OutOrStdout())
	},
}

func watch(ctx context.Context, out io.Writer) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sub, err := reconciler.NewWSSubscriber(serverURL, logger)
	if err != nil {
		return err
	}

	printer := newChangePrinter(out)
	rec := reconciler.New(newClient(), sub, reconciler.Options{
		Logger:   logger,
		OnChange: printer.print,
	})
	defer rec.Close()

	if err := rec.Initialize(ctx); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if err := rec.Subscribe(ctx); err != nil {
		logger.Debug("subscribe failed", zap.Error(err))
		fmt.Fprintf(out, "live updates unavailable (%v)\n", err)
	}

	if pollInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if rec.State() != reconciler.Degraded {
				continue
			}
			if err := rec.Refresh(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(out, "refresh failed: %v\n", err)
			}
		}
	}
}

// changePrinter prints the difference between successive views so the
// terminal shows each message once.
type changePrinter struct {
	mu    sync.Mutex
	out   io.Writer
	seen  map[string]bool
	state reconciler.State
	now   func() time.Time
}

func newChangePrinter(out io.Writer) *changePrinter {
	return &changePrinter{
		out:   out,
		seen:  make(map[string]bool),
		state: reconciler.Initializing,
		now:   time.Now,
	}
}

func (p *changePrinter) print(msgs []message.Message, state reconciler.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state != p.state {
		fmt.Fprintf(p.out, "-- %s --\n", state)
		p.state = state
	}

	current := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		current[m.ID] = true
		if !p.seen[m.ID] {
			printMessage(p.out, m, p.now())
		}
	}
	for id := range p.seen {
		if !current[id] {
			fmt.Fprintf(p.out, "deleted #%s\n", shortID(id))
		}
	}
	p.seen = current
}
