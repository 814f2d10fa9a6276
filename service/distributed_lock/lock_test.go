package distributed_lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()

	ok, err := lock.TryLock(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryLock(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	locked, _ := lock.IsLocked(ctx, "a")
	assert.True(t, locked)

	require.NoError(t, lock.Refresh(ctx, "a", time.Minute))
	assert.Error(t, lock.Refresh(ctx, "b", time.Minute))

	require.NoError(t, lock.Unlock(ctx, "a"))
	ok, _ = lock.TryLock(ctx, "a", time.Minute)
	assert.True(t, ok)
}

func TestLocalLock_Expiry(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()
	now := time.Now()
	lock.now = func() time.Time { return now }

	ok, _ := lock.TryLock(ctx, "a", time.Second)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = lock.TryLock(ctx, "a", time.Second)
	assert.True(t, ok)
}

func TestExecuteWithWait_Serializes(t *testing.T) {
	executor := NewLockExecutor(NewLocalLock(), nil)
	executor.retryInterval = time.Millisecond

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := executor.ExecuteWithWait(context.Background(), "table", time.Minute, func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning)
}

func TestExecuteWithWait_ContextCancelled(t *testing.T) {
	lock := NewLocalLock()
	executor := NewLockExecutor(lock, nil)
	executor.retryInterval = time.Millisecond

	_, _ = lock.TryLock(context.Background(), "table", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := executor.ExecuteWithWait(ctx, "table", time.Minute, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteWithLockAndRefresh(t *testing.T) {
	lock := NewLocalLock()
	executor := NewLockExecutor(lock, nil)
	boom := errors.New("boom")

	ran, err := executor.ExecuteWithLockAndRefresh(context.Background(), "audit", time.Minute, time.Second, func() error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	locked, _ := lock.IsLocked(context.Background(), "audit")
	assert.False(t, locked)

	_, _ = lock.TryLock(context.Background(), "audit", time.Minute)
	ran, err = executor.ExecuteWithLockAndRefresh(context.Background(), "audit", time.Minute, time.Second, func() error { return boom })
	assert.False(t, ran)
	assert.NoError(t, err)
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR 未设置，跳过Redis集成测试")
	}

	ctx := context.Background()
	lock, err := NewRedisLock(ctx, redis.NewClient(&redis.Options{Addr: addr}), "baas_test", nil)
	require.NoError(t, err)
	defer lock.Close()

	key := "schema_" + time.Now().Format("150405.000000")
	ok, err := lock.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Refresh(ctx, key, 5*time.Second))
	require.NoError(t, lock.Unlock(ctx, key))

	locked, err := lock.IsLocked(ctx, key)
	require.NoError(t, err)
	assert.False(t, locked)
}
