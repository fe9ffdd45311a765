// Package store 键值存储与计数器测试
package store

import (
	"sync"
	"testing"
	"time"
)

// TestStore_SetGet 测试基本的读写
func TestStore_SetGet(t *testing.T) {
	s := New()
	defer s.Stop()

	s.Set("k1", "v1", time.Second)

	v, ok := s.Get("k1")
	if !ok {
		t.Fatal("写入后应该能读到键")
	}
	if v != "v1" {
		t.Errorf("读到的值应为 v1，实际为 %s", v)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("不存在的键不应返回值")
	}
}

// TestStore_Expiry 测试键过期
func TestStore_Expiry(t *testing.T) {
	s := New()
	defer s.Stop()

	s.Set("k1", "v1", 50*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	if _, ok := s.Get("k1"); ok {
		t.Error("过期后的键不应返回值")
	}
}

// TestStore_Refresh 测试滑动续期只延长不缩短
func TestStore_Refresh(t *testing.T) {
	s := New()
	defer s.Stop()

	s.Set("k1", "v1", time.Hour)

	// 用更短的 TTL 续期，剩余时间不应缩短
	if !s.Refresh("k1", time.Minute) {
		t.Fatal("存在的键续期应返回 true")
	}
	if remaining := s.TTL("k1"); remaining < 50*time.Minute {
		t.Errorf("续期不应缩短剩余时间，实际剩余 %v", remaining)
	}

	// 用更长的 TTL 续期，剩余时间应延长
	s.Set("k2", "v2", time.Minute)
	before := s.TTL("k2")
	if !s.Refresh("k2", time.Hour) {
		t.Fatal("续期应返回 true")
	}
	after := s.TTL("k2")
	if after <= before {
		t.Errorf("续期后剩余时间应延长，之前 %v，之后 %v", before, after)
	}

	// 不存在的键续期应失败
	if s.Refresh("missing", time.Minute) {
		t.Error("不存在的键续期应返回 false")
	}
}

// TestStore_Counter 测试计数器基本加减
func TestStore_Counter(t *testing.T) {
	s := New()
	defer s.Stop()

	key := "conc:key1"
	if n := s.Incr(key, time.Minute); n != 1 {
		t.Errorf("第一次加一应返回 1，实际为 %d", n)
	}
	if n := s.Incr(key, time.Minute); n != 2 {
		t.Errorf("第二次加一应返回 2，实际为 %d", n)
	}
	if n := s.DecrClamp(key); n != 1 {
		t.Errorf("减一后应为 1，实际为 %d", n)
	}
	if n := s.DecrClamp(key); n != 0 {
		t.Errorf("减一后应为 0，实际为 %d", n)
	}
	// 零值继续减应钳制在零
	if n := s.DecrClamp(key); n != 0 {
		t.Errorf("零值减一应钳制为 0，实际为 %d", n)
	}
}

// TestStore_CounterNeverNegative 并发加减下计数器永不为负且最终等于净增量
func TestStore_CounterNeverNegative(t *testing.T) {
	s := New()
	defer s.Stop()

	key := "conc:key2"
	const pairs = 100
	const extraDecr = 50

	var wg sync.WaitGroup
	// 成对的加减
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Incr(key, time.Minute)
			if n := s.DecrClamp(key); n < 0 {
				t.Errorf("计数器出现负值: %d", n)
			}
		}()
	}
	// 多余的减操作（应全部被钳制）
	for i := 0; i < extraDecr; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n := s.DecrClamp(key); n < 0 {
				t.Errorf("计数器出现负值: %d", n)
			}
		}()
	}
	wg.Wait()

	if n := s.Count(key); n != 0 {
		t.Errorf("全部配对完成后计数应为 0，实际为 %d", n)
	}

	// 三个未配对的加操作，最终值应恰好为 3
	for i := 0; i < 3; i++ {
		s.Incr(key, time.Minute)
	}
	if n := s.Count(key); n != 3 {
		t.Errorf("三次未配对加一后计数应为 3，实际为 %d", n)
	}
}

// TestStore_CounterSafetyNetTTL 测试兜底 TTL 让丢失的减操作自愈
func TestStore_CounterSafetyNetTTL(t *testing.T) {
	s := New()
	defer s.Stop()

	key := "conc:key3"
	s.Incr(key, 50*time.Millisecond)
	// 模拟进程崩溃：减操作丢失
	time.Sleep(80 * time.Millisecond)

	if n := s.Count(key); n != 0 {
		t.Errorf("兜底 TTL 过期后计数应归零，实际为 %d", n)
	}
	// 归零后重新加一从 1 开始
	if n := s.Incr(key, time.Minute); n != 1 {
		t.Errorf("自愈后加一应返回 1，实际为 %d", n)
	}
}
