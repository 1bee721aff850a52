// Package cache stores rendered artifacts keyed by content digest.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client is a byte store for rendered images. Implementations must be safe
// for concurrent use.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Purge removes every key starting with prefix and reports how many went.
	Purge(ctx context.Context, prefix string) (int, error)
	Close() error
}

// NopClient never stores anything.
type NopClient struct{}

func (NopClient) Get(context.Context, string) ([]byte, error)              { return nil, ErrCacheMiss }
func (NopClient) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NopClient) Delete(context.Context, string) error                     { return nil }
func (NopClient) Purge(context.Context, string) (int, error)               { return 0, nil }
func (NopClient) Close() error                                             { return nil }

// Key joins key components with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
