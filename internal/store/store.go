// Package store 提供带 TTL 的键值存储和原子计数器
// 粘性会话映射和并发计数都建立在这个存储之上，单 key 操作保证原子性
package store

import (
	"sync"
	"time"
)

// ttlEntry 带过期时间的字符串条目
type ttlEntry struct {
	value     string
	expiresAt time.Time
}

// counterEntry 带兜底 TTL 的计数器条目
type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// Store 带 TTL 的内存键值存储
// 单 key 的读写通过全局互斥锁串行化，满足会话映射的线性一致要求
type Store struct {
	mu          sync.Mutex
	entries     map[string]*ttlEntry
	counters    map[string]*counterEntry
	cleanupTick time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New 创建存储实例并启动后台清理协程
func New() *Store {
	s := &Store{
		entries:     make(map[string]*ttlEntry),
		counters:    make(map[string]*counterEntry),
		cleanupTick: time.Minute,
		stopCleanup: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Set 写入带 TTL 的字符串键
func (s *Store) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &ttlEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get 读取字符串键，过期或不存在时返回 ("", false)
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return entry.value, true
}

// Delete 删除字符串键
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Refresh 将键的 TTL 重置为指定时长（滑动续期）
// 只延长不缩短：剩余时间已超过 ttl 时保持不变
func (s *Store) Refresh(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	now := time.Now()
	if now.After(entry.expiresAt) {
		delete(s.entries, key)
		return false
	}
	newExpiry := now.Add(ttl)
	if newExpiry.After(entry.expiresAt) {
		entry.expiresAt = newExpiry
	}
	return true
}

// TTL 返回键的剩余存活时间，不存在或已过期返回 0
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return 0
	}
	remaining := time.Until(entry.expiresAt)
	if remaining < 0 {
		delete(s.entries, key)
		return 0
	}
	return remaining
}

// Incr 计数器加一并返回新值
// ttl 是兜底过期时间：进程在加减之间崩溃时计数器自动归零自愈
func (s *Store) Incr(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &counterEntry{}
		s.counters[key] = entry
	}
	entry.count++
	entry.expiresAt = now.Add(ttl)
	return entry.count
}

// DecrClamp 计数器减一并在零处钳制
// 对应 Redis 场景里"读取后钳制"的原子脚本：并发加减不会出现负值
func (s *Store) DecrClamp(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.counters, key)
		return 0
	}
	if entry.count > 0 {
		entry.count--
	}
	if entry.count == 0 {
		delete(s.counters, key)
		return 0
	}
	return entry.count
}

// Count 返回计数器当前值
func (s *Store) Count(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.counters[key]
	if !ok {
		return 0
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.counters, key)
		return 0
	}
	return entry.count
}

// cleanupLoop 后台清理过期数据
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期的条目
func (s *Store) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	for key, entry := range s.counters {
		if now.After(entry.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// Stop 停止后台清理
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Stats 返回存储的统计信息
func (s *Store) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"ttl_keys": len(s.entries),
		"counters": len(s.counters),
	}
}
