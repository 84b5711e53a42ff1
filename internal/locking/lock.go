// Package locking builds distributed mutual exclusion on top of the
// coordination store: single-key locks, multi-key ordered locks and
// heartbeat-extended critical sections.
//
// A lock is a coordination-store entry holding a random ownership token with
// a TTL. Only the holder presenting the matching token may release or refresh
// it; TTL expiry is the sole recovery path for crashed holders.
package locking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/tenantworks/storagecore/internal/coordstore"
	"github.com/tenantworks/storagecore/internal/logging"
)

// ErrNotAcquired is returned when a lock could not be acquired within the
// caller's budget. Contention is an expected outcome, not a fault; consumers
// map this to their domain's "resource busy" error.
var ErrNotAcquired = errors.New("lock not acquired")

const (
	defaultBackoffBase = 50 * time.Millisecond
	defaultBackoffCap  = 1 * time.Second
	defaultJitter      = 20 * time.Millisecond
)

// Manager issues and manages locks in the coordination store.
type Manager struct {
	store  coordstore.Store
	logger logging.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
	jitter      time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBackoff overrides the retry schedule used while waiting for a
// contended lock.
func WithBackoff(base, cap, jitter time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffCap = cap
		m.jitter = jitter
	}
}

// NewManager constructs a lock manager over the given coordination store.
func NewManager(store coordstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		logger:      logging.NewNopLogger(),
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		jitter:      defaultJitter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock at key for ttl, returning the ownership token.
// With a zero acquireTimeout a single attempt is made; otherwise attempts
// are retried with capped exponential backoff and jitter until the timeout
// lapses. Returns ErrNotAcquired when the lock stays contended.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, acquireTimeout time.Duration) (string, error) {
	token := uuid.NewString()

	if acquireTimeout <= 0 {
		ok, err := m.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return "", fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if !ok {
			return "", ErrNotAcquired
		}
		return token, nil
	}

	if err := m.acquireToken(ctx, key, token, ttl, time.Now().Add(acquireTimeout)); err != nil {
		return "", err
	}
	return token, nil
}

// acquireToken retries SetNX with the supplied token until deadline.
func (m *Manager) acquireToken(ctx context.Context, key, token string, ttl time.Duration, deadline time.Time) error {
	budget := time.Until(deadline)
	if budget <= 0 {
		return ErrNotAcquired
	}

	b := retry.NewExponential(m.backoffBase)
	b = retry.WithCappedDuration(m.backoffCap, b)
	b = retry.WithJitter(m.jitter, b)
	b = retry.WithMaxDuration(budget, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := m.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return fmt.Errorf("lock acquire %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(ErrNotAcquired)
		}
		return nil
	})
	if errors.Is(err, ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
		return ErrNotAcquired
	}
	return err
}

// Release frees the lock if token still owns it.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	ok, err := m.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("lock release %s: %w", key, err)
	}
	return ok, nil
}

// Refresh extends the lock TTL if token still owns it.
func (m *Manager) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := m.store.CompareAndRefresh(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("lock refresh %s: %w", key, err)
	}
	return ok, nil
}

// IsLocked reports whether key is currently held by anyone.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	return m.store.Exists(ctx, key)
}

// AcquireMany takes all keys under one shared deadline, returning a single
// token owning every lock. Keys are sorted lexicographically before
// acquisition so two overlapping multi-key operations cannot deadlock by
// acquiring in opposite orders. On failure every lock taken so far is
// released.
func (m *Manager) AcquireMany(ctx context.Context, keys []string, ttl, acquireTimeout time.Duration) (string, error) {
	if len(keys) == 0 {
		return "", errors.New("no keys to lock")
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)

	for i, key := range sorted {
		var err error
		if acquireTimeout <= 0 {
			var ok bool
			ok, err = m.store.SetNX(ctx, key, token, ttl)
			if err == nil && !ok {
				err = ErrNotAcquired
			}
		} else {
			err = m.acquireToken(ctx, key, token, ttl, deadline)
		}
		if err != nil {
			m.releaseAll(ctx, sorted[:i], token)
			if errors.Is(err, ErrNotAcquired) {
				return "", ErrNotAcquired
			}
			return "", err
		}
	}
	return token, nil
}

// ReleaseMany frees every key still owned by token.
func (m *Manager) ReleaseMany(ctx context.Context, keys []string, token string) {
	m.releaseAll(ctx, keys, token)
}

func (m *Manager) releaseAll(ctx context.Context, keys []string, token string) {
	for _, key := range keys {
		if _, err := m.Release(ctx, key, token); err != nil {
			m.logger.Warn(ctx, "failed to release lock", "key", key, "error", err)
		}
	}
}

// WithLock runs fn while holding the lock at key. A background heartbeat
// refreshes the TTL at ~60% intervals for as long as fn runs and is stopped
// and joined before the lock is released, so no timer outlives the critical
// section. Lock release happens on every exit path, including panics
// propagating out of fn.
func (m *Manager) WithLock(ctx context.Context, key string, ttl, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, key, ttl, acquireTimeout)
	if err != nil {
		return err
	}

	stop := m.startHeartbeat(ctx, []string{key}, token, ttl)
	defer func() {
		stop()
		if _, err := m.Release(ctx, key, token); err != nil {
			m.logger.Warn(ctx, "failed to release lock", "key", key, "error", err)
		}
	}()

	return fn(ctx)
}

// WithLocks is the multi-key variant of WithLock, acquiring keys in sorted
// order under a single shared deadline.
func (m *Manager) WithLocks(ctx context.Context, keys []string, ttl, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.AcquireMany(ctx, keys, ttl, acquireTimeout)
	if err != nil {
		return err
	}

	stop := m.startHeartbeat(ctx, keys, token, ttl)
	defer func() {
		stop()
		m.releaseAll(ctx, keys, token)
	}()

	return fn(ctx)
}

// startHeartbeat launches a goroutine refreshing every key's TTL at 60% of
// the lock duration. The returned func signals the goroutine and blocks
// until it has exited.
func (m *Manager) startHeartbeat(ctx context.Context, keys []string, token string, ttl time.Duration) func() {
	interval := ttl * 6 / 10
	if interval <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, key := range keys {
					ok, err := m.Refresh(ctx, key, token, ttl)
					if err != nil {
						m.logger.Warn(ctx, "lock heartbeat failed", "key", key, "error", err)
					} else if !ok {
						m.logger.Warn(ctx, "lock lost before heartbeat", "key", key)
					}
				}
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}
