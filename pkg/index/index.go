// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package index implements the coalescing index: a keyed registry mapping a
// task fingerprint to the WaitSet of session ids currently waiting on it.
// Both primitives are critical sections per fingerprint, enforced by a
// distributed lock so that gateway instances and workers never interleave on
// the same key.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Index is the coalescing-index contract shared by the gateway and workers.
type Index interface {
	// AppendAndCount atomically appends ssid to the fingerprint's WaitSet
	// and returns the new length. A return of 1 tells the caller it is the
	// first waiter and must enqueue the task.
	AppendAndCount(ctx context.Context, fp string, ssid string) (int64, error)

	// Drain atomically returns the full WaitSet and removes the key. A
	// non-existent key drains as empty.
	Drain(ctx context.Context, fp string) ([]string, error)
}

// lockExpiry bounds how long a dead holder can block a fingerprint. It must
// exceed the worst-case enqueue path, which is a handful of round trips.
const lockExpiry = 30 * time.Second

// RedisIndex is the redis-backed Index. WaitSets are redis lists keyed by
// fingerprint; the per-fingerprint mutex is named "task-<fp>".
type RedisIndex struct {
	client *redis.Client
	locks  *redsync.Redsync
}

// Options configures a RedisIndex.
type Options struct {
	Addr string
	DB   int
}

// New connects to the redis backend and verifies it is reachable.
func New(ctx context.Context, opts Options) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect coalescing index at %s: %w", opts.Addr, err)
	}
	return &RedisIndex{
		client: client,
		locks:  redsync.New(goredis.NewPool(client)),
	}, nil
}

// NewFromClient wraps an existing redis client. The caller keeps ownership of
// the client's lifecycle.
func NewFromClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{
		client: client,
		locks:  redsync.New(goredis.NewPool(client)),
	}
}

// Close releases the backend connection.
func (ix *RedisIndex) Close() error {
	return ix.client.Close()
}

// AppendAndCount implements Index.
func (ix *RedisIndex) AppendAndCount(ctx context.Context, fp string, ssid string) (int64, error) {
	var n int64
	err := ix.withLock(ctx, fp, func() error {
		if err := ix.client.RPush(ctx, fp, ssid).Err(); err != nil {
			return fmt.Errorf("append ssid to waitset %s: %w", fp, err)
		}
		count, err := ix.client.LLen(ctx, fp).Result()
		if err != nil {
			return fmt.Errorf("count waitset %s: %w", fp, err)
		}
		n = count
		return nil
	})
	return n, err
}

// Drain implements Index.
func (ix *RedisIndex) Drain(ctx context.Context, fp string) ([]string, error) {
	var ssids []string
	err := ix.withLock(ctx, fp, func() error {
		list, err := ix.client.LRange(ctx, fp, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("read waitset %s: %w", fp, err)
		}
		if err := ix.client.Del(ctx, fp).Err(); err != nil {
			return fmt.Errorf("delete waitset %s: %w", fp, err)
		}
		ssids = list
		return nil
	})
	return ssids, err
}

// withLock runs fn while holding the fingerprint's distributed mutex.
// Acquisition is bounded: redsync gives up after its retry budget and the
// error is surfaced to the caller.
func (ix *RedisIndex) withLock(ctx context.Context, fp string, fn func() error) error {
	mutex := ix.locks.NewMutex("task-"+fp, redsync.WithExpiry(lockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire lock for %s: %w", fp, err)
	}
	defer mutex.UnlockContext(ctx) //nolint:errcheck // expiry reclaims a failed unlock
	return fn()
}
