// Package kv defines the capability surface the projection services use to
// talk to the external key-value store. Callers treat any error as
// "skip cache" and fall through to the database.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable indicates the store can't be reached.
	ErrBackendUnavailable = errors.New("kv backend unavailable")

	// ErrTypeMismatch indicates an operation against a key holding a
	// different type.
	ErrTypeMismatch = errors.New("kv type mismatch")

	// ErrScript indicates a server-side script evaluation failure.
	ErrScript = errors.New("kv script error")
)

// Store is the key-value store port. All keys are namespaced with a
// per-node instance prefix by the implementation.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	// Eval runs a server-side script returning an integer. It is used
	// exclusively for compare-and-set updates.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (int64, error)

	// Tx returns an atomic multi-operation unit: operations are enqueued
	// and executed with no interleaved observer.
	Tx() Tx
}

// Tx is an atomic batch of mutations. Enqueue operations, then Exec.
type Tx interface {
	Set(key, value string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)

	Exec(ctx context.Context) error
}
