package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"livesession/internal/service"
)

const expirationChannelPrefix = "session:expired:"

// ExpirationBroker carries session expiration events between processes
// over Redis pub/sub.
type ExpirationBroker struct {
	client *redis.Client
	log    *slog.Logger
}

// NewExpirationBroker creates a new ExpirationBroker.
func NewExpirationBroker(client *redis.Client, log *slog.Logger) *ExpirationBroker {
	if log == nil {
		log = slog.Default()
	}
	return &ExpirationBroker{client: client, log: log}
}

// PublishExpiration publishes the event on the session's channel.
func (b *ExpirationBroker) PublishExpiration(ctx context.Context, event service.ExpirationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, expirationChannelPrefix+event.SessionID, data).Err()
}

// SubscribeExpirations calls handle for every expiration published by any
// process until ctx is done.
func (b *ExpirationBroker) SubscribeExpirations(ctx context.Context, handle func(service.ExpirationEvent)) error {
	pubsub := b.client.PSubscribe(ctx, expirationChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reading messages.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event service.ExpirationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("malformed expiration event", "channel", msg.Channel, "error", err)
				continue
			}
			if event.SessionID == "" {
				event.SessionID = strings.TrimPrefix(msg.Channel, expirationChannelPrefix)
			}
			handle(event)
		}
	}
}
