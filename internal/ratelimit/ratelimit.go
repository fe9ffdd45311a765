// Package ratelimit 提供客户端 Key 的滑动窗口限流
// 采用滑动日志算法，按每分钟请求数（RPM）精确限流
package ratelimit

import (
	"sync"
	"time"
)

// Limiter 客户端 Key 滑动窗口限流器
type Limiter struct {
	mu          sync.RWMutex
	windowSize  time.Duration
	entries     map[string]*windowEntry // 客户端 Key ID -> 窗口条目
	cleanupTick time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// windowEntry 单个 Key 的请求时间戳日志
type windowEntry struct {
	mu         sync.Mutex
	timestamps []int64 // Unix 纳秒
}

// New 创建限流器，窗口固定为 1 分钟（RPM 语义）
func New() *Limiter {
	l := &Limiter{
		windowSize:  time.Minute,
		entries:     make(map[string]*windowEntry),
		cleanupTick: 5 * time.Minute,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Result 一次限流判定的结果
type Result struct {
	Allowed   bool
	Count     int // 窗口内当前请求数（含本次）
	Limit     int
	Remaining int
}

// Allow 判定客户端 Key 能否再发一次请求
// limit <= 0 表示不限流
func (l *Limiter) Allow(keyID string, limit int) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	now := time.Now().UnixNano()
	windowStart := now - int64(l.windowSize)

	l.mu.Lock()
	entry, exists := l.entries[keyID]
	if !exists {
		entry = &windowEntry{timestamps: make([]int64, 0, limit)}
		l.entries[keyID] = entry
	}
	l.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// 滚动窗口，丢弃窗口外的时间戳
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts > windowStart {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	count := len(entry.timestamps)
	if count >= limit {
		return Result{Allowed: false, Count: count, Limit: limit, Remaining: 0}
	}

	entry.timestamps = append(entry.timestamps, now)
	return Result{Allowed: true, Count: count + 1, Limit: limit, Remaining: limit - count - 1}
}

// Count 返回 Key 在当前窗口内的请求数
func (l *Limiter) Count(keyID string) int {
	l.mu.RLock()
	entry, exists := l.entries[keyID]
	l.mu.RUnlock()
	if !exists {
		return 0
	}

	windowStart := time.Now().UnixNano() - int64(l.windowSize)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	count := 0
	for _, ts := range entry.timestamps {
		if ts > windowStart {
			count++
		}
	}
	return count
}

// Reset 清空 Key 的限流记录
func (l *Limiter) Reset(keyID string) {
	l.mu.Lock()
	delete(l.entries, keyID)
	l.mu.Unlock()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup 移除整窗过期的条目，避免 map 无限增长
func (l *Limiter) cleanup() {
	expireThreshold := time.Now().UnixNano() - int64(l.windowSize)*2

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.entries {
		entry.mu.Lock()
		expired := true
		for _, ts := range entry.timestamps {
			if ts > expireThreshold {
				expired = false
				break
			}
		}
		entry.mu.Unlock()
		if expired {
			delete(l.entries, key)
		}
	}
}

// Stop 停止后台清理
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

// Stats 返回限流器统计信息
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]interface{}{
		"window_size_seconds": l.windowSize.Seconds(),
		"active_keys":         len(l.entries),
	}
}
