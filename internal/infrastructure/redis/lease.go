package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ledgerlink/internal/domain/datasync"
	"ledgerlink/internal/shared/logging"
)

const retryInterval = 100 * time.Millisecond

type lock interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

type obtainFunc func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error)

// Locker implements datasync.Locker on top of redislock so leases hold
// across every API and scheduler replica.
type Locker struct {
	obtain obtainFunc
	ttl    time.Duration
	wait   time.Duration
	logger logrus.FieldLogger
}

var _ datasync.Locker = (*Locker)(nil)

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewLocker returns a Locker whose leases live for ttl and are extended
// every ttl/3 until released. Acquire waits up to wait for a busy key.
func NewLocker(client goredis.UniversalClient, ttl, wait time.Duration, logger logrus.FieldLogger) *Locker {
	rl := redislock.New(client)
	return newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error) {
		return rl.Obtain(ctx, key, ttl, opt)
	}, ttl, wait, logger)
}

func newLocker(obtain obtainFunc, ttl, wait time.Duration, logger logrus.FieldLogger) *Locker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Locker{
		obtain: obtain,
		ttl:    ttl,
		wait:   wait,
		logger: logger.WithField("component", "redis_locker"),
	}
}

func (l *Locker) Acquire(ctx context.Context, key string) (datasync.Lease, error) {
	opts := &redislock.Options{}
	obtainCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
		opts.RetryStrategy = redislock.LinearBackoff(retryInterval)
	}

	lk, err := l.obtain(obtainCtx, key, l.ttl, opts)
	switch {
	case err == nil:
		return newLease(key, lk, l.ttl, l.logger), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, redislock.ErrNotObtained), errors.Is(err, context.DeadlineExceeded):
		return nil, datasync.ErrLeaseNotObtained
	default:
		return nil, fmt.Errorf("failed to obtain lease %s: %w", key, err)
	}
}

type lease struct {
	key    string
	lock   lock
	ttl    time.Duration
	logger logrus.FieldLogger

	stop     chan struct{}
	stopped  chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
}

func newLease(key string, lk lock, ttl time.Duration, logger logrus.FieldLogger) *lease {
	l := &lease{
		key:     key,
		lock:    lk,
		ttl:     ttl,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		lost:    make(chan struct{}),
	}
	go l.keepAlive()
	return l
}

// keepAlive extends the lease every ttl/3. A refresh that finds the key gone
// or owned by someone else closes lost. Transient Redis errors are retried on
// the next tick, which still leaves two chances before the key expires.
func (l *lease) keepAlive() {
	defer close(l.stopped)

	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.lock.Refresh(ctx, l.ttl, nil)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, redislock.ErrNotObtained):
				l.logger.WithField("key", l.key).Error("Lease lost before release")
				close(l.lost)
				return
			default:
				l.logger.WithError(err).WithField("key", l.key).Warn("Failed to extend lease")
			}
		}
	}
}

func (l *lease) Lost() <-chan struct{} {
	return l.lost
}

// Release stops the extension and gives the lease back. A lease that already
// expired is not an error.
func (l *lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.stopped

	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		l.logger.WithField("key", l.key).Warn("Lease expired before release")
		return nil
	}
	return err
}
