package events

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/nebulaforge/fleetmarket/pkg/logger"
)

// DefaultRedisChannel is the pub/sub channel audit records are published on
// when no channel is configured.
const DefaultRedisChannel = "fleetmarket:audit"

// RedisSink publishes audit records as JSON over redis pub/sub so external
// consumers (indexers, notification fan-out) can follow the trail without
// touching the engine.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewRedisSink creates a sink publishing on the given channel.
func NewRedisSink(client *redis.Client, channel string, log *logger.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = logger.NewDefault("events.redis")
	}
	return &RedisSink{client: client, channel: channel, log: log}
}

// Write publishes the record. Publish failures are logged and dropped; the
// audit trail's source of truth is the store, not the stream.
func (s *RedisSink) Write(ctx context.Context, rec Record) {
	if err := s.client.Publish(ctx, s.channel, rec.String()).Err(); err != nil {
		s.log.WithError(err).WithField("type", string(rec.Type)).Warn("publish audit record")
	}
}
