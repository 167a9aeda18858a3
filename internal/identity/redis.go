package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// pairingKeyPrefix namespaces pending codes in a shared Redis.
const pairingKeyPrefix = "pairing:"

func pairingKey(code string) string { return pairingKeyPrefix + code }

func codeFromKey(key string) string { return strings.TrimPrefix(key, pairingKeyPrefix) }

// RedisConfig holds connection settings for RedisRegistry.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// RedisRegistry keeps pending codes in Redis so several processes can list
// them.
type RedisRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisRegistry connects to Redis and checks the connection.
func NewRedisRegistry(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisRegistry, error) {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRegistry{rdb: rdb, ttl: ttl}, nil
}

func (r *RedisRegistry) Announce(ctx context.Context, code string) error {
	seen := time.Now().UTC().Format(time.RFC3339)
	if err := r.rdb.Set(ctx, pairingKey(code), seen, r.ttl).Err(); err != nil {
		return fmt.Errorf("announce %s: %w", code, err)
	}
	return nil
}

func (r *RedisRegistry) Pending(ctx context.Context) ([]PendingTerminal, error) {
	var out []PendingTerminal
	iter := r.rdb.Scan(ctx, 0, pairingKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		seen, _ := time.Parse(time.RFC3339, val)
		out = append(out, PendingTerminal{Code: codeFromKey(key), LastSeen: seen})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	sortPending(out)
	return out, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, code string) error {
	if err := r.rdb.Del(ctx, pairingKey(code)).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", code, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisRegistry) Close() error {
	return r.rdb.Close()
}
