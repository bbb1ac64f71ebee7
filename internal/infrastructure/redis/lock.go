package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/lock"
	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// LockOptions control the RedLock mutexes. Wait bounds how long Acquire keeps
// retrying before it gives up with ErrBusy; Expiry bounds how long a crashed
// holder can keep a key.
type LockOptions struct {
	Expiry     time.Duration
	Wait       time.Duration
	RetryDelay time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     10 * time.Second,
		Wait:       2 * time.Second,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Locker serializes work on a key across service instances.
type Locker struct {
	rs   *redsync.Redsync
	opts LockOptions
}

var _ lock.Locker = (*Locker)(nil)

func NewLocker(client redis.UniversalClient, opts LockOptions) *Locker {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultLockOptions().RetryDelay
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultLockOptions().Expiry
	}
	return &Locker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
	}
}

func (l *Locker) tries() int {
	n := int(l.opts.Wait / l.opts.RetryDelay)
	if n < 1 {
		return 1
	}
	return n
}

func (l *Locker) Acquire(ctx context.Context, key string) (lock.Release, error) {
	start := time.Now()
	mutex := l.rs.NewMutex(
		lockPrefix+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.tries()),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		observability.LockWait.WithLabelValues("redis", "busy").Observe(time.Since(start).Seconds())
		if contended(ctx, err) {
			slog.Warn("distributed lock busy", "lock_key", key, "error", err)
			return nil, pkgerrors.ErrBusy
		}
		slog.Error("failed to acquire distributed lock", "lock_key", key, "error", err)
		return nil, errors.Join(pkgerrors.ErrStorageUnavailable, err)
	}
	observability.LockWait.WithLabelValues("redis", "acquired").Observe(time.Since(start).Seconds())

	return func() {
		// The holder's context may already be cancelled; unlocking must still happen.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			slog.Error("failed to release distributed lock", "lock_key", key, "unlock_ok", ok, "error", err)
		}
	}, nil
}

// contended separates "someone else holds the key" from redis being unreachable.
func contended(ctx context.Context, err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	switch {
	case ctx.Err() != nil:
		return true
	case errors.Is(err, redsync.ErrFailed), errors.As(err, &taken), errors.As(err, &nodeTaken):
		return true
	}
	return strings.Contains(err.Error(), "lock already taken")
}
