// Package redis implements the low-level Redis client used by the tool result
// cache.
package redis

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

const (
	defaultKeyPrefix = "ensemble:"
	defaultTTL       = 15 * time.Minute
	defaultTimeout   = 5 * time.Second
	clientName       = "tools-redis"
)

// Client exposes Redis-backed operations for the idempotent tool result cache.
type Client interface {
	health.Pinger

	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, result json.RawMessage) error
}

// Options configures the Redis client implementation.
type Options struct {
	// Client is the Redis connection. Required.
	Client *goredis.Client
	// KeyPrefix namespaces cache keys so multiple deployments can share one
	// Redis. Defaults to "ensemble:".
	KeyPrefix string
	// TTL bounds how long cached results live. Defaults to 15 minutes.
	TTL time.Duration
	// Timeout bounds individual operations. Defaults to 5 seconds.
	Timeout time.Duration
}

type client struct {
	redis   commands
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// commands is the subset of go-redis exercised by the cache. *goredis.Client
// satisfies it; tests substitute a fake.
type commands interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// New returns a Client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return newClientWithCommands(opts.Client, opts.KeyPrefix, opts.TTL, opts.Timeout)
}

func newClientWithCommands(cmds commands, prefix string, ttl, timeout time.Duration) (*client, error) {
	if cmds == nil {
		return nil, errors.New("redis commands are required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		redis:   cmds,
		prefix:  prefix,
		ttl:     ttl,
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

// Get returns the cached result for key. A missing or expired entry is not an
// error; the second return reports whether a result was found.
func (c *client) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, errors.New("key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	raw, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// Set stores result under key with the configured TTL, replacing any previous
// entry.
func (c *client) Set(ctx context.Context, key string, result json.RawMessage) error {
	if key == "" {
		return errors.New("key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.redis.Set(ctx, c.prefix+key, []byte(result), c.ttl).Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
