/*
Package lock provides named locks for the commit engine.

  - Local: keyed mutexes, one process
  - Redis: redsync RedLock over go-redis, across service instances

Both satisfy ledger.Locker:

	WithLock(ctx, "withdrawal:W1", func(ctx context.Context) error { ... })

The lock serializes work on one key. It is not a substitute for the store
transaction, which remains the guard for exactly-once commits.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrEmptyKey    = errors.New("lock key cannot be empty")
	ErrNilLockFn   = errors.New("lock function is nil")
	ErrNotAcquired = errors.New("lock not acquired")
)

// =============================================================================
// LOCAL
// =============================================================================

// Local hands out one mutex per key. Idle keys are dropped.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := checkArgs(key, fn); err != nil {
		return err
	}

	entry := l.acquireEntry(key)
	defer l.releaseEntry(key, entry)

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
	}
	defer func() { <-entry.ch }()

	return fn(ctx)
}

func (l *Local) acquireEntry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseEntry(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// =============================================================================
// REDIS
// =============================================================================

// Options tune the redsync mutex.
type Options struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
	Prefix      string
}

func DefaultOptions() Options {
	return Options{
		Expiry:      10 * time.Second,
		Tries:       32,
		RetryDelay:  100 * time.Millisecond,
		DriftFactor: 0.01,
		Prefix:      "wasteledger:lock:",
	}
}

// Redis is a distributed lock backed by redsync.
type Redis struct {
	rs     *redsync.Redsync
	opts   Options
	logger *zap.Logger
}

// NewRedis builds a lock manager on an existing go-redis client.
func NewRedis(client goredislib.UniversalClient, opts Options, logger *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if opts.Expiry <= 0 {
		return nil, errors.New("lock expiry must be greater than 0")
	}
	if opts.Tries < 1 {
		return nil, errors.New("lock tries must be at least 1")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool := goredis.NewPool(client)
	return &Redis{rs: redsync.New(pool), opts: opts, logger: logger}, nil
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := checkArgs(key, fn); err != nil {
		return err
	}

	name := r.opts.Prefix + key
	mutex := r.rs.NewMutex(name,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
		redsync.WithDriftFactor(r.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		r.logger.Warn("failed to acquire lock", zap.String("lock_key", name), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrNotAcquired, name, err)
	}
	r.logger.Debug("lock acquired", zap.String("lock_key", name))

	defer func() {
		// Release with a fresh context: the caller's may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(releaseCtx); !ok || err != nil {
			r.logger.Error("failed to release lock",
				zap.String("lock_key", name), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func checkArgs(key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilLockFn
	}
	return nil
}
