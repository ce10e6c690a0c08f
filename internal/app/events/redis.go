package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
)

// DefaultChannel is the pub/sub channel records are published on.
const DefaultChannel = "kipubank:records"

// redisClient is the subset of the go-redis client used here.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes records as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redisClient
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher wraps a go-redis client.
func NewRedisPublisher(client redisClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// NewRedisClient connects to the Redis server at addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (p *RedisPublisher) Publish(ctx context.Context, rec custody.Record) error {
	payload, err := json.Marshal(FromRecord(rec))
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish record %s to %s: %w", rec.ID, p.channel, err)
	}
	return nil
}
