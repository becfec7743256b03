// Package redis registers the Redis-backed idempotent tool result cache. Use
// clients/redis to build the low-level client and pass it to NewCache to
// obtain a tools.Cache whose entries expire after a configurable TTL.
package redis
