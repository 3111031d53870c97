package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport is a Redis Streams publisher plus the client used to build
// per-chat subscribers on demand.
type Transport struct {
	client    redis.UniversalClient
	publisher message.Publisher
	settings  Settings
}

// NewTransport connects to Redis and builds the shared publisher.
func NewTransport(ctx context.Context, s Settings) (*Transport, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redisstream: ping %s", s.Addr)
	}
	return NewTransportFromClient(client, s)
}

func NewTransportFromClient(client redis.UniversalClient, s Settings) (*Transport, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: publisher")
	}
	return &Transport{client: client, publisher: pub, settings: s}, nil
}

func (t *Transport) Publisher() message.Publisher { return t.publisher }

// BuildGroupSubscriber returns a subscriber bound to the given consumer group/name.
func (t *Transport) BuildGroupSubscriber(group, consumer string) (message.Subscriber, error) {
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        t.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewLogger(log.Logger))
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func (t *Transport) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (t *Transport) Settings() Settings { return t.settings }

func (t *Transport) Close() error {
	var errs []string
	if err := t.publisher.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := t.client.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.Errorf("redisstream: close: %s", strings.Join(errs, "; "))
	}
	return nil
}
