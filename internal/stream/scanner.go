package stream

import (
	"bytes"
)

// Event 一个完整的 SSE 事件
type Event struct {
	// Name event: 行的值，可能为空（纯 data 事件）
	Name string
	// Data data: 行的值，多行 data 按换行拼接
	Data []byte
}

// Scanner 增量解析 SSE 字节流
// 上游分块的边界不保证对齐事件边界，Feed 可以从任意切分点续接
type Scanner struct {
	buf     []byte
	curName string
	curData [][]byte
}

// NewScanner 创建 SSE 解析器
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed 送入一段原始字节，返回其中完整结束的事件
// 不完整的尾部留在内部缓冲区，等待下一次 Feed
func (s *Scanner) Feed(p []byte) []Event {
	s.buf = append(s.buf, p...)

	var events []Event
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := s.buf[:idx]
		s.buf = s.buf[idx+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if ev, ok := s.consumeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// consumeLine 处理一行，空行表示事件结束
func (s *Scanner) consumeLine(line []byte) (Event, bool) {
	if len(line) == 0 {
		if s.curName == "" && len(s.curData) == 0 {
			return Event{}, false
		}
		ev := Event{
			Name: s.curName,
			Data: bytes.Join(s.curData, []byte{'\n'}),
		}
		s.curName = ""
		s.curData = nil
		return ev, true
	}

	switch {
	case bytes.HasPrefix(line, []byte("event:")):
		s.curName = string(bytes.TrimSpace(line[len("event:"):]))
	case bytes.HasPrefix(line, []byte("data:")):
		data := bytes.TrimPrefix(line[len("data:"):], []byte{' '})
		// 留副本，底层缓冲区会被复用
		s.curData = append(s.curData, append([]byte(nil), data...))
	}
	// 注释行和未知字段忽略
	return Event{}, false
}

// Flush 返回缓冲区中未按空行收尾的残留事件（流被截断时调用）
func (s *Scanner) Flush() (Event, bool) {
	// 残留的最后一行也算进去
	if len(s.buf) > 0 {
		line := bytes.TrimSuffix(s.buf, []byte{'\r'})
		s.buf = nil
		if ev, ok := s.consumeLine(line); ok {
			return ev, true
		}
	}
	if s.curName == "" && len(s.curData) == 0 {
		return Event{}, false
	}
	ev := Event{
		Name: s.curName,
		Data: bytes.Join(s.curData, []byte{'\n'}),
	}
	s.curName = ""
	s.curData = nil
	return ev, true
}
