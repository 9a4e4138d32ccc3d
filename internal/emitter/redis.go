package emitter

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"trailcore/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTriggerStream = "trailing:triggers"
	defaultDedupNS       = "trailing:trigger:"
	dedupTTL             = 24 * time.Hour
)

// RedisSink publishes triggers to a Redis stream for the execution
// engine to consume. A SETNX marker per trigger id enforces the
// at-least-once contract on the consumer side: redelivered triggers
// are published once at most.
type RedisSink struct {
	rdb     *redis.Client
	stream  string
	dedupNS string
}

// RedisSinkConfig holds connection and key settings
type RedisSinkConfig struct {
	Addr     string
	DB       int
	Username string
	Password string
	Stream   string
	DedupNS  string
}

// NewRedisSink connects a sink to Redis. Empty key settings fall back
// to the trailing: defaults.
func NewRedisSink(cfg RedisSinkConfig) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	stream := cfg.Stream
	if stream == "" {
		stream = defaultTriggerStream
	}
	dedupNS := cfg.DedupNS
	if dedupNS == "" {
		dedupNS = defaultDedupNS
	}

	return &RedisSink{rdb: rdb, stream: stream, dedupNS: dedupNS}
}

// Publish appends the trigger to the stream unless its id was already
// published. The marker is written only after a successful append, so
// a failed append can be retried; a crash between append and marker
// redelivers, which the at-least-once contract allows.
func (s *RedisSink) Publish(ctx context.Context, trigger types.TrailingStopTrigger) error {
	seen, err := s.rdb.Exists(ctx, s.dedupNS+trigger.ID).Result()
	if err != nil {
		return err
	}
	if seen > 0 {
		return nil
	}

	payload, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"trigger_id":  trigger.ID,
			"position_id": trigger.PositionID,
			"symbol":      trigger.Symbol,
			"payload":     string(payload),
		},
	}).Err()
	if err != nil {
		return err
	}

	return s.rdb.SetNX(ctx, s.dedupNS+trigger.ID, 1, dedupTTL).Err()
}

// Ping verifies connectivity at startup
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
