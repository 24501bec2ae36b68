// Package assist 实现工站的协助请求子流程
package assist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/types"
)

const (
	StateMenu          fsm.State = "MENU"
	StateCleanupReason fsm.State = "CLEANUP_REASON"
	StateTravelerView  fsm.State = "TRAVELER_VIEW"
	StateConfirmed     fsm.State = "CONFIRMED"
	StateClosed        fsm.State = "CLOSED"
)

const (
	eventDirect   fsm.Event = "DIRECT_ACTION"
	eventCleanup  fsm.Event = "CLEANUP"
	eventTraveler fsm.Event = "TRAVELER"
	eventConfirm  fsm.Event = "CONFIRM"
	eventBack     fsm.Event = "BACK"
	eventClose    fsm.Event = "CLOSE"
)

var (
	ErrUnknownKind     = errors.New("unknown assist kind")
	ErrNoCleanupReason = errors.New("a cleanup reason must be selected")
	ErrUnknownReason   = errors.New("unknown cleanup reason")
	ErrWrongState      = errors.New("operation not allowed in current state")
)

// Policy 决定哪些请求类型写审计记录
type Policy map[types.AssistKind]bool

// DefaultPolicy 呼叫主管和请求 QA 只给出界面确认，清理请求写审计
func DefaultPolicy() Policy {
	return Policy{
		types.AssistCallSupervisor: false,
		types.AssistRequestQA:      false,
		types.AssistCleanup:        true,
	}
}

// Traveler 是只读的工单流转信息
type Traveler struct {
	Job     types.JobContext          `json:"job"`
	Station types.StationID           `json:"station"`
	History []types.CompletionPayload `json:"history"`
}

// Options 子流程参数
type Options struct {
	Actor   string
	Station types.StationID
	Policy  Policy
	History []types.CompletionPayload // 本次会话中该工单已完成的工站
}

// Flow 是一次协助请求
type Flow struct {
	mu       sync.Mutex
	machine  *fsm.FSM
	writer   audit.Writer
	job      types.JobContext
	opts     Options
	reason   types.CleanupReason
	freeform string
	request  *types.AssistRequest
}

// New 创建协助子流程，初始位于菜单
func New(job types.JobContext, writer audit.Writer, opts Options) *Flow {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	m := fsm.New(job.WorkOrderID, StateMenu).
		AddTransition(StateMenu, eventDirect, StateConfirmed).
		AddTransition(StateMenu, eventCleanup, StateCleanupReason).
		AddTransition(StateMenu, eventTraveler, StateTravelerView).
		AddTransition(StateCleanupReason, eventConfirm, StateConfirmed).
		AddTransition(StateCleanupReason, eventBack, StateMenu).
		AddTransition(StateTravelerView, eventBack, StateMenu).
		AddTransition(StateConfirmed, eventClose, StateClosed)
	// 未确认前随时可以关闭，不产生请求
	for _, s := range []fsm.State{StateMenu, StateCleanupReason, StateTravelerView} {
		m.AddTransition(s, eventClose, StateClosed)
	}
	return &Flow{machine: m, writer: writer, job: job, opts: opts}
}

// State 返回当前状态
func (f *Flow) State() fsm.State {
	return f.machine.Current()
}

// Request 返回已确认的请求，未确认时为 nil
func (f *Flow) Request() *types.AssistRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.request == nil {
		return nil
	}
	r := *f.request
	return &r
}

// Select 在菜单中选择请求类型
// 呼叫主管和请求 QA 直接进入 CONFIRMED
func (f *Flow) Select(ctx context.Context, kind types.AssistKind) (fsm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur := f.machine.Current(); cur != StateMenu {
		return cur, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	switch kind {
	case types.AssistCallSupervisor, types.AssistRequestQA:
		state, err := f.machine.Fire(eventDirect)
		if err != nil {
			return state, err
		}
		f.confirm(ctx, types.AssistRequest{Kind: kind, Context: f.job, Station: f.opts.Station})
		return state, nil
	case types.AssistCleanup:
		return f.machine.Fire(eventCleanup)
	case types.AssistTraveler:
		return f.machine.Fire(eventTraveler)
	default:
		return StateMenu, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// SelectReason 选择清理原因，OTHER 可以附带自由文本
func (f *Flow) SelectReason(reason types.CleanupReason, freeform string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur := f.machine.Current(); cur != StateCleanupReason {
		return fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownReason, reason)
	}
	f.reason = reason
	f.freeform = ""
	if reason == types.CleanupOther {
		f.freeform = freeform
	}
	return nil
}

// ConfirmCleanup 提交清理请求，必须先选择原因
func (f *Flow) ConfirmCleanup(ctx context.Context) (types.AssistRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur := f.machine.Current(); cur != StateCleanupReason {
		return types.AssistRequest{}, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	if f.reason == "" {
		return types.AssistRequest{}, ErrNoCleanupReason
	}
	if _, err := f.machine.Fire(eventConfirm); err != nil {
		return types.AssistRequest{}, err
	}
	req := types.AssistRequest{
		Kind:           types.AssistCleanup,
		Context:        f.job,
		Station:        f.opts.Station,
		Reason:         f.reason,
		FreeformReason: f.freeform,
	}
	f.confirm(ctx, req)
	return req, nil
}

// confirm 保存请求，并按策略写审计，调用方持有锁
func (f *Flow) confirm(ctx context.Context, req types.AssistRequest) {
	f.request = &req
	if !f.opts.Policy[req.Kind] {
		return
	}
	details := fmt.Sprintf("kind=%s wo=%s part=%s op=%s station=%s", req.Kind, req.Context.WorkOrderID,
		req.Context.PartID, req.Context.OperationName, req.Station)
	if req.Reason != "" {
		details += fmt.Sprintf(" reason=%s", req.Reason)
	}
	f.writer.Record(ctx, audit.Record{
		Actor:    f.opts.Actor,
		Action:   audit.ActionAssistPrefix + string(req.Kind),
		ObjectID: req.Context.WorkOrderID,
		Details:  details,
		Reason:   req.FreeformReason,
	})
}

// Traveler 返回工单流转信息，仅在 TRAVELER_VIEW 中可用
func (f *Flow) Traveler() (Traveler, error) {
	if cur := f.machine.Current(); cur != StateTravelerView {
		return Traveler{}, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	return Traveler{
		Job:     f.job,
		Station: f.opts.Station,
		History: append([]types.CompletionPayload(nil), f.opts.History...),
	}, nil
}

// Back 从清理原因或流转信息返回菜单
func (f *Flow) Back() (fsm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machine.Fire(eventBack)
}

// Close 关闭子流程，不向父工站返回任何数据
func (f *Flow) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.machine.Fire(eventClose)
	return err
}
