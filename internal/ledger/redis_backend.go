package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/config"
)

// reserveScript applies delta only while usage stays within the limit.
// Returns {used, applied}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + delta > limit then
  return {used, 0}
end
used = redis.call('INCRBY', KEYS[1], delta)
return {used, 1}
`)

// releaseScript subtracts delta, flooring at zero.
var releaseScript = redis.NewScript(`
local used = redis.call('DECRBY', KEYS[1], ARGV[1])
if used < 0 then
  redis.call('SET', KEYS[1], 0)
  used = 0
end
return used
`)

// RedisBackend stores usage counters in Redis so several gateway processes
// share one ledger
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(cfg config.RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis ledger", zap.String("addr", cfg.RedisAddr()))

	return &RedisBackend{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger,
	}, nil
}

func (b *RedisBackend) usageKey(tenantID string) string {
	return fmt.Sprintf("%s:usage:%s", b.prefix, tenantID)
}

func (b *RedisBackend) TryAdd(ctx context.Context, tenantID string, delta, limit int64) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, b.client, []string{b.usageKey(tenantID)}, delta, limit).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserve script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserve script returned %d values", len(res))
	}
	return res[0], res[1] == 1, nil
}

func (b *RedisBackend) Sub(ctx context.Context, tenantID string, delta int64) (int64, error) {
	used, err := releaseScript.Run(ctx, b.client, []string{b.usageKey(tenantID)}, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("release script: %w", err)
	}
	return used, nil
}

func (b *RedisBackend) Used(ctx context.Context, tenantID string) (int64, error) {
	used, err := b.client.Get(ctx, b.usageKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}

func (b *RedisBackend) Set(ctx context.Context, tenantID string, used int64) error {
	return b.client.Set(ctx, b.usageKey(tenantID), used, 0).Err()
}

// Tenants scans for usage counters under the configured prefix
func (b *RedisBackend) Tenants(ctx context.Context) ([]string, error) {
	keyPrefix := b.usageKey("")
	var tenants []string
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		tenants = append(tenants, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan usage keys: %w", err)
	}
	return tenants, nil
}

// Ping checks the Redis connection
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
