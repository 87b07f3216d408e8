/*
Package events carries committed booking transitions out of the engine.

PURPOSE:
  The engine publishes a booking.Event after each commit. The Bus turns it
  into a watermill message on one topic; the AuditRecorder consumes that
  topic and appends to the audit log.

BACKENDS:
  gochannel: In-process (default, tests). Messages are lost on restart.
  redis:     Redis Streams via watermill-redisstream
  kafka:     Kafka via watermill-kafka (sarama)

DELIVERY:
  At-least-once on redis and kafka. The recorder uses the message UUID as
  the audit entry id, and AppendAudit ignores ids it has already stored.

SEE ALSO:
  - booking/events.go: Event and Publisher
  - events/audit.go: Consumer side
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/railbook/booking"
)

// Topic carries every booking event.
const Topic = "railbook.bookings"

// Backend names a message transport.
type Backend string

const (
	BackendChannel Backend = "gochannel"
	BackendRedis   Backend = "redis"
	BackendKafka   Backend = "kafka"
)

// ErrUnknownBackend is returned by NewBus for unsupported backends.
var ErrUnknownBackend = errors.New("unknown event backend")

// Config selects and configures a backend.
type Config struct {
	Backend       Backend
	RedisAddr     string
	KafkaBrokers  []string
	ConsumerGroup string
}

// Bus publishes booking events. It implements booking.Publisher.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Logger     watermill.LoggerAdapter

	closers []func() error
}

var _ booking.Publisher = (*Bus)(nil)

// NewBus connects to the configured backend.
func NewBus(cfg Config, logger *zap.Logger) (*Bus, error) {
	wlog := NewLoggerAdapter(logger)
	group := cfg.ConsumerGroup
	if group == "" {
		group = "railbook-audit"
	}

	switch cfg.Backend {
	case BackendChannel, "":
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wlog)
		return &Bus{Publisher: ch, Subscriber: ch, Logger: wlog, closers: []func() error{ch.Close}}, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wlog)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client,
			ConsumerGroup: group,
			Consumer:      watermill.NewShortUUID(),
		}, wlog)
		if err != nil {
			pub.Close()
			client.Close()
			return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
		}
		return &Bus{Publisher: pub, Subscriber: sub, Logger: wlog, closers: []func() error{sub.Close, pub.Close, client.Close}}, nil

	case BackendKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("kafka backend needs at least one broker")
		}
		marshaler := kafka.DefaultMarshaler{}
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: marshaler,
		}, wlog)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}

		saramaConfig := kafka.DefaultSaramaSubscriberConfig()
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
		saramaConfig.ClientID = "railbook"
		sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers:               cfg.KafkaBrokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         group,
			OverwriteSaramaConfig: saramaConfig,
			InitializeTopicDetails: &sarama.TopicDetail{
				NumPartitions:     1,
				ReplicationFactor: 1,
			},
		}, wlog)
		if err != nil {
			pub.Close()
			return nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
		}
		if err := sub.SubscribeInitialize(Topic); err != nil {
			sub.Close()
			pub.Close()
			return nil, fmt.Errorf("failed to initialize kafka topic: %w", err)
		}
		return &Bus{Publisher: pub, Subscriber: sub, Logger: wlog, closers: []func() error{sub.Close, pub.Close}}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

// Publish encodes e as JSON and publishes it on Topic.
func (b *Bus) Publish(ctx context.Context, e booking.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", string(e.Type))
	msg.Metadata.Set("booking_id", e.BookingID)
	msg.SetContext(ctx)

	if err := b.Publisher.Publish(Topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	return nil
}

// Close releases the backend connections.
func (b *Bus) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
