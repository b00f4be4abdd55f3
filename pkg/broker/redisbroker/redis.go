// Package redisbroker implements broker.Broker against Redis Streams,
// the broker the spec names explicitly ("Redis-backed queue").
package redisbroker

import (
	"context"
	"fmt"

	"github.com/fluxpod/fluxpod/pkg/broker"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Broker is a Redis Streams-backed broker.Broker implementation.
type Broker struct {
	client *redis.Client
	logger zerolog.Logger
}

// New dials a Redis broker at addr, authenticating with password (empty
// for no auth) against database db.
func New(addr, password string, db int) *Broker {
	return &Broker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: log.WithComponent("broker.redis"),
	}
}

// Backlog counts entries delivered to consumerGroup on stream that have
// not yet been acknowledged, via XPENDING's summary form.
func (b *Broker) Backlog(ctx context.Context, stream, consumerGroup string) (int64, error) {
	summary, err := b.client.XPending(ctx, stream, consumerGroup).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		// NOGROUP means the consumer group has not been created yet
		// (no replica has ever consumed), which is equivalent to an
		// empty backlog rather than an error.
		if isNoGroupErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", stream, consumerGroup, err)
	}
	return summary.Count, nil
}

func isNoGroupErr(err error) bool {
	const prefix = "NOGROUP"
	msg := err.Error()
	return len(msg) >= len(prefix) && msg[:len(prefix)] == prefix
}

func cacheKey(namespace, key string) string {
	return "fluxpod:cache:" + namespace + ":" + key
}

func cachePrefix(namespace, prefix string) string {
	return "fluxpod:cache:" + namespace + ":" + prefix + "*"
}

func (b *Broker) CacheGet(ctx context.Context, namespace, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, cacheKey(namespace, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s/%s: %w", namespace, key, err)
	}
	return val, true, nil
}

func (b *Broker) CacheList(ctx context.Context, namespace, prefix string) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, cachePrefix(namespace, prefix), 100).Iterator()
	base := "fluxpod:cache:" + namespace + ":"
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(base):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache list %s/%s: %w", namespace, prefix, err)
	}
	return out, nil
}

func (b *Broker) CacheDelete(ctx context.Context, namespace, key string) error {
	if err := b.client.Del(ctx, cacheKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (b *Broker) Close() error { return b.client.Close() }

var _ broker.Broker = (*Broker)(nil)
