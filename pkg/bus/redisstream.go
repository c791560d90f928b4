package bus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSettings configures the Redis Streams transport.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultRedisSettings() RedisSettings {
	return RedisSettings{Addr: "localhost:6379", Group: "tubechat", Consumer: "tubechat-1"}
}

// PubSub is a publisher/subscriber pair together with whatever must be released with it.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

func (p *PubSub) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}

// NewInMemoryPubSub returns a gochannel pubsub shared by publisher and subscriber.
func NewInMemoryPubSub() *PubSub {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewZerologAdapter(log.Logger))
	return &PubSub{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}
}

// NewRedisPubSub connects watermill to Redis Streams.
func NewRedisPubSub(s RedisSettings) (*PubSub, error) {
	if s.Addr == "" {
		return nil, errors.New("redis pubsub: addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaller := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewZerologAdapter(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis pubsub: publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis pubsub: subscriber")
	}
	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{client.Close, pub.Close, sub.Close},
	}, nil
}

// OpenPubSub picks Redis Streams when enabled and the in-memory transport otherwise.
func OpenPubSub(s RedisSettings) (*PubSub, error) {
	if !s.Enabled {
		return NewInMemoryPubSub(), nil
	}
	return NewRedisPubSub(s)
}

// EnsureGroupAtTail creates the consumer group for stream at the tail so that a fresh
// subscriber does not replay old requests.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	log.Info().Str("component", "bus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}

// EnsureEndpointGroups prepares the request streams for eps.
func EnsureEndpointGroups(ctx context.Context, s RedisSettings, eps ...Endpoint) error {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()
	for _, ep := range eps {
		if err := EnsureGroupAtTail(ctx, client, requestTopic(ep), s.Group); err != nil {
			return err
		}
	}
	return nil
}
