package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

var _ Store = (*RedisStore)(nil)

// RedisStore appends records to a Redis list
type RedisStore struct {
	logger *zap.Logger
	client *goredis.Client
	key    string
}

// NewRedisStore connects to url and verifies the server answers
func NewRedisStore(logger *zap.Logger, url, key string) (*RedisStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	logger.Info("metrics store connected", zap.String("store", "redis"), zap.String("key", key))
	return &RedisStore{logger: logger, client: client, key: key}, nil
}

// Record appends rec to the list
func (s *RedisStore) Record(ctx context.Context, rec MetricRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal record: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("redis: append record: %w", err)
	}
	return nil
}

// Records returns the whole list in append order
func (s *RedisStore) Records(ctx context.Context) ([]MetricRecord, error) {
	values, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read records: %w", err)
	}

	records := make([]MetricRecord, 0, len(values))
	for _, v := range values {
		var rec MetricRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			s.logger.Warn("skipped unreadable metric record", zap.String("key", s.key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
