// Package kv holds the key-value side of the platform: per-handle signing key
// material, per-account spend locks and fixed-window counters.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrLockTimeout is returned when a lock could not be acquired before the context ended.
var ErrLockTimeout = errors.New("kv: lock not acquired")

// Store is the read/write surface used by the payment handlers.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// WalletKey is where a user's wallet key material lives.
func WalletKey(handle string) string {
	return "wallet:" + cleanHandle(handle)
}

// AgentWalletKey is where an agent's wallet key material lives.
func AgentWalletKey(handle string) string {
	return "agent:wallet:" + cleanHandle(handle)
}

// RateLimitKey scopes a fixed-window counter to an action and handle.
func RateLimitKey(action, handle string) string {
	return "ratelimit:" + action + ":" + cleanHandle(handle)
}

func cleanHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}
