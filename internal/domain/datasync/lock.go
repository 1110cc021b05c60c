package datasync

import (
	"context"
	"sync"
	"time"
)

// Locker grants exclusive per-connection leases so scheduled, manual and
// webhook syncs never run against the same cursor and credentials at once.
type Locker interface {
	// Acquire blocks until the lease is granted, ctx ends or the
	// implementation's wait budget runs out, in which case it returns
	// ErrLeaseNotObtained.
	Acquire(ctx context.Context, key string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
	// Lost is closed when the lease expired or was taken over before
	// Release. A nil channel means the lease cannot be lost.
	Lost() <-chan struct{}
}

func leaseKey(connectionID string) string {
	return "sync:connection:" + connectionID
}

// MutexLocker is the in-process Locker used when no Redis is configured.
type MutexLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMutexLocker returns a locker that waits up to wait for a busy key.
func NewMutexLocker(wait time.Duration) *MutexLocker {
	return &MutexLocker{wait: wait, slots: make(map[string]chan struct{})}
}

func (l *MutexLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *MutexLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ch := l.slot(key)

	select {
	case ch <- struct{}{}:
		return &mutexLease{ch: ch}, nil
	default:
	}

	if l.wait <= 0 {
		return nil, ErrLeaseNotObtained
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return &mutexLease{ch: ch}, nil
	case <-timer.C:
		return nil, ErrLeaseNotObtained
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mutexLease struct {
	once sync.Once
	ch   chan struct{}
}

func (m *mutexLease) Release(context.Context) error {
	m.once.Do(func() { <-m.ch })
	return nil
}

func (m *mutexLease) Lost() <-chan struct{} { return nil }
