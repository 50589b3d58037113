// Copyright The Conference Orchestrator Authors.
// SPDX-License-Identifier: MIT

// The conference-orchestrator service.
package main

// Distributed KV-backed locking for serialising concurrent read-modify-write
// operations that span several processes, e.g. the cluster option bag writer
// at sync time and moderator access-method updates for one cospace.
//
// The resourceLocker interface abstracts the backend so it can be swapped
// without touching callers. The only current implementation is
// kvResourceLocker over the mappings KV bucket:
//   - A lock is acquired by atomically creating a key (Create fails when
//     the key already exists).
//   - Locks older than the configured timeout are considered stale and are
//     forcibly reclaimed.
//   - The caller retries up to maxRetries times, sleeping retryInterval
//     between attempts.
//
// Callers pass fully-qualified lock keys, e.g. cospaceLockKeyPrefix + id.

import (
	"context"
	"strconv"
	"time"
)

const (
	cospaceLockKeyPrefix = "lock.cospace."
	clusterLockKeyPrefix = "lock.cluster."

	resourceLockTimeout       = 10 * time.Second
	resourceLockRetryInterval = 500 * time.Millisecond
	resourceLockRetryAttempts = 5
)

// resourceLocker acquires and releases locks over shared resources.
// Implementations must be safe for concurrent use.
type resourceLocker interface {
	// acquire tries to acquire the lock for key.
	// Returns (acquired, waited) — waited is true if at least one retry was made.
	acquire(ctx context.Context, key string) (acquired bool, waited bool)
	// release frees the lock for key.
	release(ctx context.Context, key string) error
}

// lockerConfig holds the runtime configuration for a kvResourceLocker.
type lockerConfig struct {
	timeout       time.Duration
	retryInterval time.Duration
	maxRetries    int
}

// lockerOption is a functional option for configuring a kvResourceLocker.
type lockerOption func(*lockerConfig)

// withLockTimeout sets the duration after which an existing lock is
// considered stale and may be forcibly reclaimed.
func withLockTimeout(d time.Duration) lockerOption {
	return func(c *lockerConfig) { c.timeout = d }
}

// withLockRetryInterval sets the sleep between consecutive acquire attempts.
func withLockRetryInterval(d time.Duration) lockerOption {
	return func(c *lockerConfig) { c.retryInterval = d }
}

// withLockMaxRetries sets the maximum acquire attempts before giving up.
func withLockMaxRetries(n int) lockerOption {
	return func(c *lockerConfig) { c.maxRetries = n }
}

// kvResourceLocker is the KV-bucket implementation of resourceLocker.
type kvResourceLocker struct {
	cfg    lockerConfig
	bucket kvBucket
}

// newKVResourceLocker creates a locker backed by the given bucket.
func newKVResourceLocker(bucket kvBucket, opts ...lockerOption) *kvResourceLocker {
	cfg := lockerConfig{
		timeout:       resourceLockTimeout,
		retryInterval: resourceLockRetryInterval,
		maxRetries:    resourceLockRetryAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &kvResourceLocker{cfg: cfg, bucket: bucket}
}

// acquire implements resourceLocker.
func (l *kvResourceLocker) acquire(ctx context.Context, key string) (bool, bool) {
	var waited bool

	for attempt := 1; attempt <= l.cfg.maxRetries; attempt++ {
		lockValue := strconv.FormatInt(time.Now().Unix(), 10)

		// Atomic create: succeeds only if the key does not yet exist.
		if err := l.bucket.Create(ctx, key, []byte(lockValue)); err == nil {
			return true, waited
		}

		// The key already exists — check whether the lock is stale.
		if value, getErr := l.bucket.Get(ctx, key); getErr == nil {
			if ts, parseErr := strconv.ParseInt(string(value), 10, 64); parseErr == nil {
				if time.Since(time.Unix(ts, 0)) > l.cfg.timeout {
					// Stale lock: overwrite and claim it.
					if putErr := l.bucket.Put(ctx, key, []byte(lockValue)); putErr == nil {
						return true, waited
					}
				}
			}
		}

		if attempt < l.cfg.maxRetries {
			waited = true
			time.Sleep(l.cfg.retryInterval)
		}
	}

	return false, waited
}

// release implements resourceLocker.
func (l *kvResourceLocker) release(ctx context.Context, key string) error {
	return l.bucket.Delete(ctx, key)
}

// withLock runs fn under the named lock, releasing on every exit path.
// Returns without running fn when the lock cannot be acquired.
func withLock(ctx context.Context, locker resourceLocker, key string, fn func(ctx context.Context) error) error {
	acquired, _ := locker.acquire(ctx, key)
	if !acquired {
		return &ResponseConnectionError{Message: "could not acquire lock " + key}
	}
	defer func() {
		if err := locker.release(ctx, key); err != nil {
			logger.With(errKey, err, "lock_key", key).Warn("failed to release lock")
		}
	}()
	return fn(ctx)
}
