package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("appointment lock not acquired")
)

// Locker serializes finalize attempts per ledger appointment id. A second
// caller waits for the first to finish instead of failing right away, so it
// can observe the status the first one wrote.
type Locker interface {
	WithAppointmentLock(ctx context.Context, ledgerID uint64, fn func(ctx context.Context) error) error
}

type redisAppointmentLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisAppointmentLocker creates a locker that uses a per appointment
// Redis key. ttl bounds both the key lifetime and how long a waiter polls.
func NewRedisAppointmentLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisAppointmentLocker{
		client: client,
		ttl:    ttl,
		poll:   25 * time.Millisecond,
	}
}

func lockKey(ledgerID uint64) string {
	return fmt.Sprintf("lock:appointment:%d", ledgerID)
}

func (l *redisAppointmentLocker) WithAppointmentLock(ctx context.Context, ledgerID uint64, fn func(ctx context.Context) error) error {
	key := lockKey(ledgerID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisAppointmentLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.ttl)
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire appointment lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisAppointmentLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release appointment lock: %w", err)
	}
	return nil
}

// LocalLocker is the single-process Locker used when Redis is not
// configured.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[uint64]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[uint64]*localLock)}
}

func (l *LocalLocker) WithAppointmentLock(ctx context.Context, ledgerID uint64, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	lk, ok := l.locks[ledgerID]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[ledgerID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, ledgerID)
		}
		l.mu.Unlock()
	}()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lk.ch }()

	return fn(ctx)
}
