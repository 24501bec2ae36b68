// Package issue 实现质量问题上报子流程：
// SELECT_TYPE → EVIDENCE → CONTAINMENT → REVIEW → SUBMITTED。
// 子流程可以从任何工站打开，本身不推进工站的阶段。
package issue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/types"
)

const (
	StateSelectType  fsm.State = "SELECT_TYPE"
	StateEvidence    fsm.State = "EVIDENCE"
	StateContainment fsm.State = "CONTAINMENT"
	StateReview      fsm.State = "REVIEW"
	StateSubmitted   fsm.State = "SUBMITTED"
	StateReturned    fsm.State = "RETURNED"
	StateCancelled   fsm.State = "CANCELLED"
)

const (
	eventNext   fsm.Event = "NEXT"
	eventBack   fsm.Event = "BACK"
	eventSubmit fsm.Event = "SUBMIT"
	eventReturn fsm.Event = "RETURN"
	eventCancel fsm.Event = "CANCEL"
)

var (
	ErrNoIssueType        = errors.New("an issue type must be selected")
	ErrUnknownIssueType   = errors.New("unknown issue type")
	ErrUnknownSeverity    = errors.New("unknown severity")
	ErrUnknownContainment = errors.New("unknown containment action")
	ErrWrongState         = errors.New("operation not allowed in current state")
)

// Disposition 告诉宿主返回后如何处理父工站
type Disposition string

const (
	// DispositionResume 普通工站：上报与工站流程正交，返回后继续
	DispositionResume Disposition = "RESUME"
	// DispositionAbandon 认证工站：记录失败并停止
	DispositionAbandon Disposition = "ABANDON"
)

// Outcome 是 Return 交给宿主的信号
type Outcome struct {
	Report        types.IssueReport `json:"report"`
	Disposition   Disposition       `json:"disposition"`
	HoldRequested bool              `json:"holdRequested"` // 需要物理隔离实物，本模块不做确认
}

// Options 控制子流程的初始值和返回语义
type Options struct {
	Actor       string
	Station     types.StationID
	Disposition Disposition
	// 预选的类别和严重程度，检验不合格时由工站填入
	PresetType     types.IssueType
	PresetSeverity types.Severity
}

// Flow 是一次问题上报
type Flow struct {
	mu          sync.Mutex
	machine     *fsm.FSM
	writer      audit.Writer
	opts        Options
	draft       types.IssueReport
	containment map[types.Containment]struct{}
	submitted   *types.IssueReport
}

// New 创建一个问题上报子流程
func New(job types.JobContext, writer audit.Writer, opts Options) *Flow {
	if opts.Disposition == "" {
		opts.Disposition = DispositionResume
	}
	severity := opts.PresetSeverity
	if !severity.Valid() {
		severity = types.SeverityMinor
	}

	m := fsm.New(job.WorkOrderID, StateSelectType).
		AddTransition(StateSelectType, eventNext, StateEvidence).
		AddTransition(StateEvidence, eventNext, StateContainment).
		AddTransition(StateContainment, eventNext, StateReview).
		AddTransition(StateEvidence, eventBack, StateSelectType).
		AddTransition(StateContainment, eventBack, StateEvidence).
		AddTransition(StateReview, eventBack, StateContainment).
		AddTransition(StateReview, eventSubmit, StateSubmitted).
		AddTransition(StateSubmitted, eventReturn, StateReturned)
	for _, s := range []fsm.State{StateSelectType, StateEvidence, StateContainment, StateReview} {
		m.AddTransition(s, eventCancel, StateCancelled)
	}

	f := &Flow{
		machine:     m,
		writer:      writer,
		opts:        opts,
		containment: make(map[types.Containment]struct{}),
		draft: types.IssueReport{
			Job:      job,
			Station:  opts.Station,
			Severity: severity,
		},
	}
	if opts.PresetType.Valid() {
		f.draft.IssueType = opts.PresetType
	}
	return f
}

// State 返回当前状态
func (f *Flow) State() fsm.State {
	return f.machine.Current()
}

// Draft 返回当前草稿（提交后为最终报告）
func (f *Flow) Draft() types.IssueReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted != nil {
		return *f.submitted
	}
	return f.snapshot()
}

func (f *Flow) snapshot() types.IssueReport {
	r := f.draft
	r.ContainmentActions = make([]types.Containment, 0, len(f.containment))
	for c := range f.containment {
		r.ContainmentActions = append(r.ContainmentActions, c)
	}
	sort.Slice(r.ContainmentActions, func(i, j int) bool {
		return r.ContainmentActions[i] < r.ContainmentActions[j]
	})
	return r
}

func (f *Flow) require(states ...fsm.State) error {
	cur := f.machine.Current()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWrongState, cur)
}

// SelectType 选择问题类别，单选，重复选择会替换之前的值
func (f *Flow) SelectType(t types.IssueType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.require(StateSelectType); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownIssueType, t)
	}
	f.draft.IssueType = t
	return nil
}

// SetSeverity 在提交前任何时候都可以修改严重程度
func (f *Flow) SetSeverity(s types.Severity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.require(StateSelectType, StateEvidence, StateContainment, StateReview); err != nil {
		return err
	}
	if !s.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownSeverity, s)
	}
	f.draft.Severity = s
	return nil
}

// SetDescription 填写问题描述，不做约束
func (f *Flow) SetDescription(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.require(StateEvidence); err != nil {
		return err
	}
	f.draft.Description = text
	return nil
}

// ToggleEvidence 切换"已附证据"标记，拍照本身不在本模块范围内
func (f *Flow) ToggleEvidence() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.require(StateEvidence); err != nil {
		return false, err
	}
	f.draft.EvidenceAttached = !f.draft.EvidenceAttached
	return f.draft.EvidenceAttached, nil
}

// ToggleContainment 多选切换遏制动作，空集合也允许继续
func (f *Flow) ToggleContainment(c types.Containment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.require(StateContainment); err != nil {
		return false, err
	}
	if !c.Valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownContainment, c)
	}
	if _, ok := f.containment[c]; ok {
		delete(f.containment, c)
		return false, nil
	}
	f.containment[c] = struct{}{}
	return true, nil
}

// Next 前进到下一步；SELECT_TYPE 必须先选定类别
func (f *Flow) Next() (fsm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.machine.Current() == StateSelectType && f.draft.IssueType == "" {
		return StateSelectType, ErrNoIssueType
	}
	return f.machine.Fire(eventNext)
}

// Back 返回上一步
func (f *Flow) Back() (fsm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machine.Fire(eventBack)
}

// Cancel 在提交前丢弃上报，不写审计
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.machine.Fire(eventCancel)
	return err
}

// Submit 定稿并写入一条 QUALITY_ISSUE_FLAGGED 审计记录
// 写入是异步的，失败不会回退到 REVIEW
func (f *Flow) Submit(ctx context.Context) (types.IssueReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.require(StateReview); err != nil {
		return types.IssueReport{}, err
	}

	report := f.snapshot()
	report.ID = "QI-" + strings.ToUpper(uuid.NewString()[:8])
	if _, err := f.machine.Fire(eventSubmit); err != nil {
		return types.IssueReport{}, err
	}
	f.submitted = &report

	f.writer.Record(ctx, audit.Record{
		Actor:      f.opts.Actor,
		Action:     audit.ActionQualityIssueFlagged,
		ObjectType: "QUALITY_ISSUE",
		ObjectID:   report.ID,
		Details:    Summary(report),
	})
	return report, nil
}

// Return 关闭已提交的子流程，告诉宿主如何处理父工站
func (f *Flow) Return() (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.machine.Fire(eventReturn); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Report:        *f.submitted,
		Disposition:   f.opts.Disposition,
		HoldRequested: f.submitted.HoldRequested(),
	}, nil
}

// Summary 生成审计详情文本
func Summary(r types.IssueReport) string {
	containment := make([]string, len(r.ContainmentActions))
	for i, c := range r.ContainmentActions {
		containment[i] = string(c)
	}
	return fmt.Sprintf("type=%s severity=%s wo=%s part=%s op=%s station=%s evidence=%t containment=[%s] description=%q",
		r.IssueType, r.Severity, r.Job.WorkOrderID, r.Job.PartID, r.Job.OperationName, r.Station,
		r.EvidenceAttached, strings.Join(containment, ","), r.Description)
}
