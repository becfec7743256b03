// Package redis wires the tools.Cache interface to the Redis client.
package redis

import (
	"context"
	"encoding/json"
	"errors"

	clientsredis "goa.design/ensemble/features/tools/redis/clients/redis"
)

// Options configures the Cache wrapper.
type Options struct {
	Client clientsredis.Client
}

// Cache implements tools.Cache by delegating to the Redis client. Cached
// entries expire after the client's configured TTL, so repeated idempotent
// tool calls within the window are served without re-execution.
type Cache struct {
	client clientsredis.Client
}

// NewCache builds a Redis-backed tool result cache using the provided client.
func NewCache(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Cache{client: opts.Client}, nil
}

// NewCacheFromRedis is a helper that instantiates the underlying client using the given options.
func NewCacheFromRedis(opts clientsredis.Options) (*Cache, error) {
	client, err := clientsredis.New(opts)
	if err != nil {
		return nil, err
	}
	return NewCache(Options{Client: client})
}

// Get returns the cached result for key.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return c.client.Get(ctx, key)
}

// Set stores result under key.
func (c *Cache) Set(ctx context.Context, key string, result json.RawMessage) error {
	return c.client.Set(ctx, key, result)
}
