// Package broadcast republishes transfer monitor snapshots outside the
// process so other nodes and dashboards can follow transfers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaywantadh/netshare/internal/transfer"
	"github.com/jaywantadh/netshare/pkg/logging"
)

const (
	DefaultChannel = "netshare:transfers"
	publishTimeout = 2 * time.Second
)

// RedisPublisher is a monitor listener that publishes every snapshot as
// JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis server at redisURL
// (redis://[:password@]host:port/db).
func NewRedisPublisher(redisURL, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		client:  redis.NewClient(opts),
		channel: channel,
	}, nil
}

func (p *RedisPublisher) Channel() string { return p.channel }

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Notify publishes snap. Failures are logged and dropped; monitoring must
// never stall transfers.
func (p *RedisPublisher) Notify(snap transfer.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		logging.Log.WithError(err).Error("Failed to encode transfer snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		logging.Log.WithError(err).WithField("channel", p.channel).Warn("Failed to publish transfer snapshot")
	}
}

// Subscribe decodes snapshots published on the channel until ctx ends.
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(transfer.Snapshot)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var snap transfer.Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				logging.Log.WithError(err).Debug("Skipping malformed snapshot")
				continue
			}
			fn(snap)
		}
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
