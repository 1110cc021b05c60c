package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"

	"ledgerlink/internal/domain/datasync"
)

type fakeLock struct {
	mu         sync.Mutex
	refreshErr error
	releaseErr error
	refreshes  []time.Duration
	released   int
}

func (f *fakeLock) Refresh(_ context.Context, ttl time.Duration, _ *redislock.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, ttl)
	return f.refreshErr
}

func (f *fakeLock) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return f.releaseErr
}

func (f *fakeLock) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refreshes)
}

func acquireFake(t *testing.T, lk *fakeLock, ttl time.Duration) datasync.Lease {
	t.Helper()
	locker := newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error) {
		return lk, nil
	}, ttl, 0, nil)
	l, err := locker.Acquire(context.Background(), "sync:connection:c1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return l
}

func TestLocker_Acquire(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name      string
		obtainErr error
		wantErr   error
	}{
		{name: "granted"},
		{name: "contended", obtainErr: redislock.ErrNotObtained, wantErr: datasync.ErrLeaseNotObtained},
		{name: "wait budget exhausted", obtainErr: context.DeadlineExceeded, wantErr: datasync.ErrLeaseNotObtained},
		{name: "redis failure", obtainErr: boom, wantErr: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			var gotTTL time.Duration
			var gotRetry bool
			locker := newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error) {
				gotKey, gotTTL, gotRetry = key, ttl, opt.RetryStrategy != nil
				if tt.obtainErr != nil {
					return nil, tt.obtainErr
				}
				return &fakeLock{}, nil
			}, time.Minute, time.Second, nil)

			l, err := locker.Acquire(context.Background(), "sync:connection:c1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Acquire() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if l == nil {
					t.Fatal("Acquire() returned nil lease")
				}
				defer l.Release(context.Background())
			}
			if gotKey != "sync:connection:c1" || gotTTL != time.Minute || !gotRetry {
				t.Errorf("obtain(%s, %s, retry=%v)", gotKey, gotTTL, gotRetry)
			}
		})
	}
}

func TestLocker_NoWaitSkipsRetry(t *testing.T) {
	locker := newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error) {
		if opt.RetryStrategy != nil {
			t.Error("retry strategy set with zero wait")
		}
		return nil, redislock.ErrNotObtained
	}, time.Minute, 0, nil)

	if _, err := locker.Acquire(context.Background(), "k"); !errors.Is(err, datasync.ErrLeaseNotObtained) {
		t.Errorf("Acquire() error = %v, want %v", err, datasync.ErrLeaseNotObtained)
	}
}

func TestLocker_CancelledContext(t *testing.T) {
	locker := newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error) {
		return nil, redislock.ErrNotObtained
	}, time.Minute, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := locker.Acquire(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want %v", err, context.Canceled)
	}
}

func TestLease_Release(t *testing.T) {
	expired := &fakeLock{releaseErr: redislock.ErrLockNotHeld}
	locker := newLocker(func(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (lock, error) {
		return expired, nil
	}, time.Minute, 0, nil)

	l, err := locker.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Errorf("Release() of expired lease error = %v, want nil", err)
	}
	if expired.released != 1 {
		t.Errorf("released = %d, want 1", expired.released)
	}
}

func TestLease_ExtendsWhileHeld(t *testing.T) {
	lk := &fakeLock{}
	ttl := 30 * time.Millisecond
	l := acquireFake(t, lk, ttl)

	deadline := time.Now().Add(2 * time.Second)
	for lk.refreshCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("refreshes = %d after 2s, want at least 3", lk.refreshCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	after := lk.refreshCount()
	time.Sleep(3 * ttl)
	if got := lk.refreshCount(); got != after {
		t.Errorf("refreshes went from %d to %d after release", after, got)
	}

	lk.mu.Lock()
	defer lk.mu.Unlock()
	for _, got := range lk.refreshes {
		if got != ttl {
			t.Errorf("refresh ttl = %s, want %s", got, ttl)
		}
	}
	select {
	case <-l.Lost():
		t.Error("healthy lease reported lost")
	default:
	}
}

func TestLease_LostWhenTakenOver(t *testing.T) {
	lk := &fakeLock{refreshErr: redislock.ErrNotObtained}
	l := acquireFake(t, lk, 30*time.Millisecond)

	select {
	case <-l.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("Lost() not closed after a refused refresh")
	}
	if err := l.Release(context.Background()); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestLease_TransientRefreshErrorKeepsLease(t *testing.T) {
	lk := &fakeLock{refreshErr: errors.New("i/o timeout")}
	l := acquireFake(t, lk, 30*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for lk.refreshCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("refresh not retried after a transient error")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-l.Lost():
		t.Error("transient refresh error reported the lease lost")
	default:
	}
	l.Release(context.Background())
}
