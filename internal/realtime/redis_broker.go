package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisBroker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Topic    string
}

// RedisBroker publishes on a Redis pub/sub channel, letting several server
// instances share one broadcast topic.
type RedisBroker struct {
	client *redis.Client
	topic  string
}

// NewRedisBroker creates a RedisBroker. The connection is established lazily.
func NewRedisBroker(opts RedisOptions) *RedisBroker {
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		topic: topic,
	}
}

// Name implements Broker.
func (b *RedisBroker) Name() string { return "redis" }

// Ping checks that the Redis server is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.topic, payload).Err()
}

// Subscribe implements Broker. The subscription is confirmed before
// returning so callers know the topic is live.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := b.client.Subscribe(ctx, b.topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the Redis connection pool.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
