package realtime

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBroker uses a single-partition Kafka topic as the broadcast topic.
// Readers are not part of a consumer group: every server instance reads
// every event, starting from the newest offset at subscription time.
type KafkaBroker struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *zap.Logger
}

// NewKafkaBroker creates a KafkaBroker for the given bootstrap brokers.
func NewKafkaBroker(brokers []string, topic string, logger *zap.Logger) *KafkaBroker {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaBroker{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Name implements Broker.
func (b *KafkaBroker) Name() string { return "kafka" }

// Publish implements Broker.
func (b *KafkaBroker) Publish(ctx context.Context, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Value: payload,
		Time:  time.Now(),
	})
}

// Subscribe implements Broker.
func (b *KafkaBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    b.topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		_ = reader.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer reader.Close()

		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("kafka read error", zap.String("topic", b.topic), zap.Error(err))
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- m.Value:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close flushes and closes the writer.
func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}
