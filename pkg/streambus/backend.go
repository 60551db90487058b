package streambus

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Backend abstracts the pub/sub transport behind a session's event feed:
// an in-process gochannel by default, Redis Streams when configured.
type Backend interface {
	Publisher() message.Publisher
	// BuildSubscriber returns the subscriber for one conversation feed. The
	// bool reports whether the subscriber is dedicated to the conversation
	// (consumer-group backed) and must be closed by the caller when done.
	BuildSubscriber(ctx context.Context, convID string) (message.Subscriber, bool, error)
	Close() error
}

// RedisSettings configures the Redis Streams transport.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func (s *RedisSettings) setDefaults() {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "session-ui"
	}
	if s.Consumer == "" {
		s.Consumer = "ui-1"
	}
}

// NewBackend builds the transport the settings select.
func NewBackend(settings RedisSettings) (Backend, error) {
	if settings.Enabled {
		return NewRedisBackend(settings)
	}
	return NewMemoryBackend(), nil
}

type memoryBackend struct {
	pubsub *gochannel.GoChannel
}

// NewMemoryBackend is the in-process default. Subscribers only see frames
// published after they subscribed, matching the live-feed semantics.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			NewWatermillLogger(log.Logger),
		),
	}
}

func (b *memoryBackend) Publisher() message.Publisher { return b.pubsub }

func (b *memoryBackend) BuildSubscriber(_ context.Context, convID string) (message.Subscriber, bool, error) {
	if convID == "" {
		return nil, false, errors.New("convID is empty")
	}
	return b.pubsub, false, nil
}

func (b *memoryBackend) Close() error { return b.pubsub.Close() }

type redisBackend struct {
	settings RedisSettings
	client   *redis.Client
	pub      message.Publisher
}

// NewRedisBackend connects the feed to Redis Streams so several UI surfaces
// can consume the same conversation independently.
func NewRedisBackend(settings RedisSettings) (Backend, error) {
	settings.setDefaults()
	client := redis.NewClient(&redis.Options{Addr: settings.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "build redis publisher")
	}
	return &redisBackend{settings: settings, client: client, pub: pub}, nil
}

func (b *redisBackend) Publisher() message.Publisher { return b.pub }

func (b *redisBackend) BuildSubscriber(ctx context.Context, convID string) (message.Subscriber, bool, error) {
	if convID == "" {
		return nil, false, errors.New("convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_ = EnsureGroupAtTail(ctx, b.client, TopicForConversation(convID), b.settings.Group)
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.Group,
		Consumer:      "session:" + convID,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, false, errors.Wrap(err, "build redis subscriber")
	}
	return sub, true, nil
}

func (b *redisBackend) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.client.Close()
}

// EnsureGroupAtTail creates the consumer group at $ so a fresh subscriber
// does not replay the whole stream. An existing group is fine.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("component", "streambus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
