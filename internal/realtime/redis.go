package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "peridot:sync:"

// RedisPublisher fans events out across processes. Publish sends the encoded
// frame on the owner's channel; Run subscribes to every owner channel and
// feeds the frames into the local dispatcher.
type RedisPublisher struct {
	client *redis.Client
	local  *Dispatcher
	prefix string
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, local *Dispatcher, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, local: local, prefix: redisChannelPrefix, logger: logger}
}

func (p *RedisPublisher) channel(ownerID string) string {
	return p.prefix + ownerID
}

// Publish falls back to local delivery when Redis is unreachable so
// connections on this process still see the event.
func (p *RedisPublisher) Publish(ctx context.Context, ownerID string, event Event) {
	frame, err := event.Encode()
	if err != nil {
		fanoutFailures.WithLabelValues("encode").Inc()
		p.logger.Error("encode event", "owner", ownerID, "kind", event.Kind, "error", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel(ownerID), frame).Err(); err != nil {
		fanoutFailures.WithLabelValues("redis_publish").Inc()
		p.logger.Warn("redis publish failed, delivering locally", "owner", ownerID, "error", err)
		p.local.Deliver(ownerID, frame)
	}
}

// Run blocks until ctx is done or the subscription fails.
func (p *RedisPublisher) Run(ctx context.Context) error {
	sub := p.client.PSubscribe(ctx, p.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe sync channels: %w", err)
	}
	p.logger.Info("redis fan-out subscribed", "pattern", p.prefix+"*")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("sync subscription closed")
			}
			ownerID := strings.TrimPrefix(msg.Channel, p.prefix)
			if ownerID == "" {
				continue
			}
			p.local.Deliver(ownerID, []byte(msg.Payload))
		}
	}
}
