package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the backing store could not be reached. Callers treat the
// cache as an accelerator and fall back to the durable store.
var ErrUnavailable = errors.New("cache: unavailable")

// Store represents a shared cache interface used across the application.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}
