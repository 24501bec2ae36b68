package audit

import (
	"context"
	"sync"
)

// MemorySink 在内存中保存审计记录
// 记录变化通过显式订阅通知，而不是全局广播
type MemorySink struct {
	mu          sync.RWMutex
	tenantID    string
	entries     []Entry
	subscribers map[int]func(Entry)
	nextSubID   int
}

// NewMemorySink 创建一个内存接收端
func NewMemorySink(tenantID string) *MemorySink {
	return &MemorySink{
		tenantID:    tenantID,
		subscribers: make(map[int]func(Entry)),
	}
}

// LogAction 生成记录、追加并通知订阅者
func (m *MemorySink) LogAction(ctx context.Context, rec Record) Result {
	e, err := NewEntry(ctx, rec, m.tenantID)
	if err != nil {
		return Result{Err: err}
	}
	m.Append(e)
	return Result{Entry: e}
}

// Append 追加一条已生成的记录，供落盘型接收端建立内存索引
func (m *MemorySink) Append(e Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	subs := make([]func(Entry), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// List 返回按时间倒序排列的快照
func (m *MemorySink) List(_ context.Context) ([]Entry, error) {
	return m.Snapshot(), nil
}

// Snapshot 与 List 相同，但不需要 context
func (m *MemorySink) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[len(m.entries)-1-i] = e
	}
	return out
}

// Subscribe 注册一个记录追加后的回调，返回取消订阅函数
func (m *MemorySink) Subscribe(fn func(Entry)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}
