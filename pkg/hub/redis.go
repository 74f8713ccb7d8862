package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

// RedisTransport carries message envelopes over Redis pub/sub for
// deployments where workers run out of process.
type RedisTransport struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisTransport connects to Redis and verifies reachability.
func NewRedisTransport(ctx context.Context, addr string) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisTransport{rdb: rdb, logger: log.WithComponent("hub")}, nil
}

// Publish marshals the envelope and publishes it on the topic channel.
func (t *RedisTransport) Publish(ctx context.Context, topic string, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	if err := t.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the topic channel until cancelled. Envelopes that fail
// to decode are logged and skipped so one bad producer cannot wedge the
// subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	ps := t.rdb.Subscribe(ctx, topic)
	// Force the subscription to be established before returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	go func() {
		for raw := range ps.Channel() {
			var msg types.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				t.logger.Warn().
					Err(err).
					Str("topic", topic).
					Msg("dropping undecodable message")
				continue
			}
			h(&msg)
		}
	}()

	cancel := func() {
		if err := ps.Close(); err != nil {
			t.logger.Debug().Err(err).Str("topic", topic).Msg("pubsub close")
		}
	}
	return cancel, nil
}

// Close closes the underlying Redis client.
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}
