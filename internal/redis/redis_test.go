package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), mr.Addr(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_ReleasesAfterRun(t *testing.T) {
	mr, client := newMiniredis(t)
	locker := NewRedisAppointmentLocker(client, time.Second)

	err := locker.WithAppointmentLock(context.Background(), 7, func(ctx context.Context) error {
		assert.True(t, mr.Exists(lockKey(7)))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(lockKey(7)))
}

func TestRedisLocker_PropagatesError(t *testing.T) {
	_, client := newMiniredis(t)
	locker := NewRedisAppointmentLocker(client, time.Second)
	boom := errors.New("boom")

	err := locker.WithAppointmentLock(context.Background(), 1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRedisLocker_SecondCallerWaits(t *testing.T) {
	_, client := newMiniredis(t)
	locker := NewRedisAppointmentLocker(client, 2*time.Second)

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithAppointmentLock(context.Background(), 9, func(context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(30 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestRedisLocker_GivesUpAfterTTL(t *testing.T) {
	mr, client := newMiniredis(t)
	require.NoError(t, mr.Set(lockKey(3), "someone-else"))
	locker := NewRedisAppointmentLocker(client, 60*time.Millisecond)

	err := locker.WithAppointmentLock(context.Background(), 3, func(context.Context) error {
		t.Fatal("must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	got, _ := mr.Get(lockKey(3))
	assert.Equal(t, "someone-else", got, "foreign lock untouched")
}

func TestLocalLocker_Serializes(t *testing.T) {
	locker := NewLocalLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithAppointmentLock(context.Background(), 1, func(context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, locker.locks)
}

func TestLocalLocker_ContextCancelledWhileWaiting(t *testing.T) {
	locker := NewLocalLocker()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithAppointmentLock(context.Background(), 2, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := locker.WithAppointmentLock(ctx, 2, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestFeed_PublishListen(t *testing.T) {
	_, client := newMiniredis(t)
	feed := NewFeed(client, "")

	got := make(chan string, 1)
	stop, err := feed.Listen(context.Background(), func(p []byte) { got <- string(p) })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, feed.Publish(context.Background(), []byte(`{"local_id":"x"}`)))
	select {
	case msg := <-got:
		assert.JSONEq(t, `{"local_id":"x"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
