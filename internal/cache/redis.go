package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig captures the connection parameters for the Redis accelerator.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
	Prefix   string
}

const (
	defaultRedisTimeout = 250 * time.Millisecond
	defaultRedisPrefix  = "authcore:"
)

// RedisStore implements Store on top of go-redis. Every call is bounded by the configured
// timeout so a slow Redis never stalls a request for long.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisClient dials Redis and verifies the connection so misconfiguration surfaces at
// start-up.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout * 4,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

// Ping checks the connection within the store's timeout.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Set stores value under key. A non-positive ttl stores the value without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefixed(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Get fetches a value; the boolean is false when the key does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, s.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return value, true, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefixed(key)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) prefixed(key string) string {
	if strings.HasPrefix(key, s.prefix) {
		return key
	}
	return s.prefix + key
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}
