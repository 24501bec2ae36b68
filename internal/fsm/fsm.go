package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// ErrInvalidTransition 表示当前状态下不存在该事件对应的转移
var ErrInvalidTransition = errors.New("invalid transition")

// FSM 有限状态机
// 转移表由调用方构建，工站运行、问题上报和协助请求共用同一实现
type FSM struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	TargetID  string // 关联的目标对象ID（如运行ID）
}

// New 以初始状态创建一个空转移表的 FSM
func New(targetID string, initial State) *FSM {
	return &FSM{
		current:     initial,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
	}
}

// AddTransition 注册一条转移，可链式调用
func (f *FSM) AddTransition(from State, event Event, to State) *FSM {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
	return f
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断当前状态下事件是否合法
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][event]
	return ok
}

// Fire 触发事件
func (f *FSM) Fire(event Event) (State, error) {
	f.mu.Lock()
	// 查找合法的转移
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return cur, fmt.Errorf("%w: %s cannot fire event %s from state %s", ErrInvalidTransition, f.TargetID, event, cur)
	}
	f.current = nextState
	f.mu.Unlock()
	return nextState, nil
}
