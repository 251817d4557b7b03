package realtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Tyrowin/chatboard/internal/realtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestLocalBroker covers fan-out, unsubscribe on cancel and Close.
func TestLocalBroker(t *testing.T) {
	t.Run("Every subscriber receives every payload", func(t *testing.T) {
		broker := realtime.NewLocalBroker(4, nil)
		defer broker.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := broker.Subscribe(ctx)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		b, err := broker.Subscribe(ctx)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		if err := broker.Publish(ctx, []byte("one")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		for _, ch := range []<-chan []byte{a, b} {
			select {
			case got := <-ch:
				if string(got) != "one" {
					t.Errorf("Expected %q, got %q", "one", got)
				}
			case <-time.After(time.Second):
				t.Fatal("Subscriber did not receive payload")
			}
		}
	})

	t.Run("Cancelled subscription is closed and removed", func(t *testing.T) {
		broker := realtime.NewLocalBroker(1, nil)
		defer broker.Close()

		ctx, cancel := context.WithCancel(context.Background())
		ch, err := broker.Subscribe(ctx)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		cancel()

		select {
		case _, ok := <-ch:
			if ok {
				t.Error("Expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("Subscription was not closed")
		}
		if n := broker.SubscriberCount(); n != 0 {
			t.Errorf("Expected 0 subscribers, got %d", n)
		}
	})

	t.Run("Slow subscriber does not block publish", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		broker := realtime.NewLocalBroker(1, zap.New(core))
		defer broker.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if _, err := broker.Subscribe(ctx); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		for i := 0; i < 10; i++ {
			if err := broker.Publish(ctx, []byte("x")); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}
		if n := broker.Dropped(); n != 9 {
			t.Errorf("Expected 9 dropped deliveries, got %d", n)
		}
		if n := logs.FilterMessage("subscriber buffer full, payload dropped").Len(); n != 9 {
			t.Errorf("Expected 9 drop warnings, got %d", n)
		}
	})

	t.Run("Closed broker rejects use", func(t *testing.T) {
		broker := realtime.NewLocalBroker(1, nil)
		if err := broker.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		ctx := context.Background()
		if err := broker.Publish(ctx, []byte("x")); !errors.Is(err, realtime.ErrBrokerClosed) {
			t.Errorf("Expected ErrBrokerClosed, got %v", err)
		}
		if _, err := broker.Subscribe(ctx); !errors.Is(err, realtime.ErrBrokerClosed) {
			t.Errorf("Expected ErrBrokerClosed, got %v", err)
		}
	})
}
