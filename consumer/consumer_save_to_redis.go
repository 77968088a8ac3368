package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

const (
	defaultRedisPrefix       = "rtls"
	defaultRedisStreamMaxLen = 10000
)

// RedisConfig configures the Redis sink. Events are published on a
// per-tenant channel and appended to a capped stream.
type RedisConfig struct {
	URL          string
	Prefix       string
	StreamMaxLen int64
}

// SaveToRedis fans events out over Redis pub/sub and keeps a bounded
// history in a stream.
type SaveToRedis struct {
	config RedisConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

func NewSaveToRedis(config RedisConfig, logger *slog.Logger) (*SaveToRedis, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("missing environment REDIS_URL")
	}
	if _, err := redis.ParseURL(config.URL); err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if config.Prefix == "" {
		config.Prefix = defaultRedisPrefix
	}
	if config.StreamMaxLen <= 0 {
		config.StreamMaxLen = defaultRedisStreamMaxLen
	}
	return &SaveToRedis{config: config, logger: loggerOrDefault(logger)}, nil
}

// Channel is the pub/sub channel for a tenant.
func (r *SaveToRedis) Channel(tenantID string) string {
	return fmt.Sprintf("%s:tenants:%s:rtls", r.config.Prefix, tenantID)
}

// Stream is the stream every event is appended to.
func (r *SaveToRedis) Stream() string {
	return r.config.Prefix + ":events"
}

func (r *SaveToRedis) Name() string { return NameRedis }

func (r *SaveToRedis) Process(ctx context.Context, events []types.Event) error {
	client, err := r.connection()
	if err != nil {
		return err
	}

	pipe := client.Pipeline()
	for _, event := range events {
		payload, err := encodeEvent(event)
		if err != nil {
			return err
		}
		tenantID := event.String("tenantId")
		pipe.Publish(ctx, r.Channel(tenantID), payload)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.Stream(),
			MaxLen: r.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"id":       DocumentID(event),
				"tenantId": tenantID,
				"event":    payload,
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error executing Redis pipeline: %w", err)
	}
	r.logger.Debug(fmt.Sprintf("Published %d messages to Redis", len(events)))
	return nil
}

func (r *SaveToRedis) connection() (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		opts, err := redis.ParseURL(r.config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		r.client = redis.NewClient(opts)
	}
	return r.client, nil
}

func (r *SaveToRedis) Reset() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client != nil {
		go client.Close()
	}
}

func (r *SaveToRedis) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
