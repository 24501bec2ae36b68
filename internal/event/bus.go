package event

import (
	"sync"
	"time"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	RunMounted       EventType = "RunMounted"       // 扫码后挂载工站运行
	RunChanged       EventType = "RunChanged"       // 勾选、阶段推进或进度变化
	StageEntered     EventType = "StageEntered"     // 进入新状态
	StageLeft        EventType = "StageLeft"        // 离开状态，携带停留时长
	RunStarted       EventType = "RunStarted"       // 进入执行阶段
	RunReleased      EventType = "RunReleased"      // 完成并放行
	RunHalted        EventType = "RunHalted"        // 检验不合格后停止
	RunAborted       EventType = "RunAborted"       // 卸载
	IssueOpened      EventType = "IssueOpened"      // 打开问题上报
	IssueSubmitted   EventType = "IssueSubmitted"   // 问题上报提交
	AssistConfirmed  EventType = "AssistConfirmed"  // 协助请求确认
	AuditWritten     EventType = "AuditWritten"     // 审计记录已落地
	AuditWriteFailed EventType = "AuditWriteFailed" // 审计写入失败
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type       EventType            // 事件类型
	RunID      string               // 关联的运行 ID
	Station    types.StationID      // 关联的工站
	Job        types.JobContext     // 关联的工单
	State      fsm.State            // 当前状态 (StageLeft 中为离开的状态)
	PhaseIndex int                  // 当前检查阶段下标
	Progress   int                  // 计时阶段进度
	Duration   time.Duration        // 停留时长 (仅 StageLeft)
	Issue      *types.IssueReport   // 问题报告 (仅 IssueSubmitted)
	Assist     *types.AssistRequest // 协助请求 (仅 AssistConfirmed)
	Audit      *audit.Entry         // 审计记录 (仅 AuditWritten)
	Action     string               // 审计动作 (仅 AuditWriteFailed)
	Error      error                // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	sync     bool
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// NewSyncBus 创建同步分发的事件总线，处理器在 Publish 中依次执行
// 用于需要确定顺序的测试和命令行工具
func NewSyncBus() *Bus {
	b := NewBus()
	b.sync = true
	return b
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// nil 总线上的发布是空操作
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if b.sync {
			handler(e)
			continue
		}
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		go handler(e)
	}
}
