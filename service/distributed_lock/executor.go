package distributed_lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetryInterval 等待锁时的轮询间隔
const DefaultRetryInterval = 50 * time.Millisecond

// LockExecutor 带锁执行器，用于简化锁的使用
type LockExecutor struct {
	lock          DistributedLock
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewLockExecutor 创建带锁执行器
func NewLockExecutor(lock DistributedLock, logger *slog.Logger) *LockExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockExecutor{lock: lock, retryInterval: DefaultRetryInterval, logger: logger}
}

// ExecuteWithWait 等待获取锁后执行函数，ctx 结束时放弃等待
func (e *LockExecutor) ExecuteWithWait(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	for {
		locked, err := e.lock.TryLock(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("获取锁失败: %w", err)
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待锁 %s 超时: %w", key, ctx.Err())
		case <-time.After(e.retryInterval):
		}
	}

	defer e.unlock(key)
	return fn()
}

// ExecuteWithLockAndRefresh 在锁保护下执行函数并自动续期，锁被占用时跳过执行
func (e *LockExecutor) ExecuteWithLockAndRefresh(ctx context.Context, key string, ttl time.Duration, refreshInterval time.Duration, fn func() error) (bool, error) {
	locked, err := e.lock.TryLock(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("获取锁失败: %w", err)
	}

	if !locked {
		e.logger.Debug("分布式锁: 锁已被其他实例持有，跳过执行", "key", key)
		return false, nil
	}

	refreshCtx, cancelRefresh := context.WithCancel(ctx)
	defer cancelRefresh()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if refreshErr := e.lock.Refresh(refreshCtx, key, ttl); refreshErr != nil {
					e.logger.Error("分布式锁: 续期失败", "key", key, "error", refreshErr)
				}
			}
		}
	}()

	defer e.unlock(key)
	return true, fn()
}

// unlock 使用独立上下文释放锁，调用方的 ctx 可能已经取消
func (e *LockExecutor) unlock(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.lock.Unlock(ctx, key); err != nil {
		e.logger.Error("分布式锁: 释放锁失败", "key", key, "error", err)
	}
}
