// Package kiosk 是工站终端的会话：扫码挂载工站运行，转发操作员的动作，
// 在运行完成时把下一工序交给宿主，并管理问题上报和协助两个中断子流程。
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mes-kiosk/internal/assist"
	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/event"
	"mes-kiosk/internal/issue"
	"mes-kiosk/internal/station"
	"mes-kiosk/internal/types"
)

// View 是宿主界面的视图名
type View string

const (
	ViewScan     View = "scan"
	ViewStation  View = "station"
	ViewIssue    View = "issue"
	ViewAssist   View = "assist"
	ViewTraveler View = "traveler"
)

// Navigator 由宿主实现，会话只调用回调，不关心路由细节
type Navigator interface {
	Navigate(view View, params map[string]string)
	Complete(payload types.CompletionPayload)
	FlagIssue()
}

var (
	ErrNoActiveRun     = errors.New("no station run is mounted")
	ErrUnknownStation  = errors.New("unknown station")
	ErrInterruptOpen   = errors.New("another interrupt is already open")
	ErrNoIssueFlow     = errors.New("no issue flow is open")
	ErrNoAssistFlow    = errors.New("no assist flow is open")
	ErrIssueNotSettled = errors.New("issue flow must be returned or cancelled first")
)

// Options 是会话的协作者
type Options struct {
	Actor     string
	Writer    audit.Writer
	Logger    *slog.Logger
	Bus       *event.Bus
	Navigator Navigator
	Stations  map[types.StationID]station.Definition
	Policy    assist.Policy
	Progress  station.ProgressFactory
}

// Session 是一个终端上的操作会话，同一时间最多挂载一个工站运行
type Session struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger

	run    *station.Run
	issue  *issue.Flow
	assist *assist.Flow

	// 本会话中每个工单已完成的工站，用于流转信息
	history map[string][]types.CompletionPayload
}

// NewSession 创建会话
func NewSession(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Navigator == nil {
		opts.Navigator = nopNavigator{}
	}
	return &Session{
		opts:    opts,
		logger:  opts.Logger.With("component", "kiosk", "actor", opts.Actor),
		history: make(map[string][]types.CompletionPayload),
	}
}

// Scan 根据扫码结果挂载工站运行，已有的运行被卸载
func (s *Session) Scan(ctx context.Context, scan types.ScanResult) (station.Snapshot, error) {
	job, err := types.JobFromScan(scan)
	if err != nil {
		return station.Snapshot{}, err
	}
	def, ok := s.opts.Stations[scan.Station]
	if !ok {
		return station.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStation, scan.Station)
	}

	run, err := station.NewRun(ctx, def, job, station.Options{
		Actor:    s.opts.Actor,
		Writer:   s.opts.Writer,
		Logger:   s.opts.Logger,
		Bus:      s.opts.Bus,
		Progress: s.opts.Progress,
	})
	if err != nil {
		return station.Snapshot{}, err
	}

	s.mu.Lock()
	s.unmountLocked()
	s.run = run
	s.mu.Unlock()

	s.logger.Info("扫码挂载工站", "station", def.Name, "work_order_id", job.WorkOrderID, "operation", job.OperationName)
	s.opts.Navigator.Navigate(ViewStation, map[string]string{
		"station":     string(def.Name),
		"workOrderId": job.WorkOrderID,
		"runId":       run.ID,
	})
	return run.Snapshot(), nil
}

// unmountLocked 卸载当前运行并丢弃未完成的中断
func (s *Session) unmountLocked() {
	if s.run != nil {
		s.run.Close()
		s.run = nil
	}
	if s.issue != nil {
		_ = s.issue.Cancel()
		s.issue = nil
	}
	if s.assist != nil {
		_ = s.assist.Close()
		s.assist = nil
	}
}

// Close 离开工站，未完成的运行进入 ABORTED
func (s *Session) Close() {
	s.mu.Lock()
	s.unmountLocked()
	s.mu.Unlock()
	s.opts.Navigator.Navigate(ViewScan, nil)
}

// Run 返回当前挂载的运行
func (s *Session) Run() (*station.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil, ErrNoActiveRun
	}
	return s.run, nil
}

// Advance 推进当前运行；检验不合格时接管工站打开的问题上报
func (s *Session) Advance(ctx context.Context) (station.Transition, error) {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return station.Transition{}, ErrNoActiveRun
	}
	// 检验不合格会打开新的问题上报，先处理完已打开的
	if s.issue != nil {
		s.mu.Unlock()
		return station.Transition{}, ErrInterruptOpen
	}
	tr, err := s.run.Advance(ctx)
	opened := err == nil && tr.Escalation != nil
	if opened {
		if s.assist != nil {
			_ = s.assist.Close()
			s.assist = nil
		}
		s.issue = tr.Escalation
	}
	s.mu.Unlock()

	if opened {
		s.opts.Navigator.FlagIssue()
		s.opts.Navigator.Navigate(ViewIssue, map[string]string{"workOrderId": tr.Escalation.Draft().Job.WorkOrderID})
	}
	return tr, err
}

// Finish 放行当前运行并把下一工序交给宿主
func (s *Session) Finish(ctx context.Context) (types.CompletionPayload, error) {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return types.CompletionPayload{}, ErrNoActiveRun
	}
	if s.issue != nil {
		s.mu.Unlock()
		return types.CompletionPayload{}, ErrIssueNotSettled
	}
	payload, err := s.run.Finish(ctx)
	if err != nil {
		s.mu.Unlock()
		return types.CompletionPayload{}, err
	}
	s.history[payload.WorkOrderID] = append(s.history[payload.WorkOrderID], payload)
	s.unmountLocked()
	s.mu.Unlock()

	s.opts.Navigator.Complete(payload)
	return payload, nil
}

// History 返回工单在本会话中的完成记录
func (s *Session) History(workOrderID string) []types.CompletionPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CompletionPayload(nil), s.history[workOrderID]...)
}

// FlagIssue 从当前工站打开问题上报，不影响工站的阶段
func (s *Session) FlagIssue() (*issue.Flow, error) {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveRun
	}
	if s.issue != nil || s.assist != nil {
		s.mu.Unlock()
		return nil, ErrInterruptOpen
	}
	run := s.run
	flow := issue.New(run.Job(), s.opts.Writer, issue.Options{
		Actor:       s.opts.Actor,
		Station:     run.Station(),
		Disposition: issue.DispositionResume,
	})
	s.issue = flow
	s.mu.Unlock()

	s.opts.Bus.Publish(event.Event{Type: event.IssueOpened, RunID: run.ID, Station: run.Station(), Job: run.Job(), State: run.State()})
	s.opts.Navigator.FlagIssue()
	s.opts.Navigator.Navigate(ViewIssue, map[string]string{"workOrderId": run.Job().WorkOrderID})
	return flow, nil
}

// Issue 返回打开的问题上报
func (s *Session) Issue() (*issue.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issue == nil {
		return nil, ErrNoIssueFlow
	}
	return s.issue, nil
}

// SubmitIssue 提交问题上报
func (s *Session) SubmitIssue(ctx context.Context) (types.IssueReport, error) {
	flow, err := s.Issue()
	if err != nil {
		return types.IssueReport{}, err
	}
	report, err := flow.Submit(ctx)
	if err != nil {
		return types.IssueReport{}, err
	}
	s.logger.Warn("提交质量问题", "issue_id", report.ID, "type", report.IssueType, "severity", report.Severity)

	var runID string
	if run, err := s.Run(); err == nil {
		runID = run.ID
	}
	s.opts.Bus.Publish(event.Event{Type: event.IssueSubmitted, RunID: runID, Station: report.Station, Job: report.Job, Issue: &report})
	return report, nil
}

// ReturnFromIssue 关闭已提交的问题上报
// 处置为 ABANDON 时停止父工站并回到扫码界面，否则回到工站
func (s *Session) ReturnFromIssue() (issue.Outcome, error) {
	s.mu.Lock()
	if s.issue == nil {
		s.mu.Unlock()
		return issue.Outcome{}, ErrNoIssueFlow
	}
	out, err := s.issue.Return()
	if err != nil {
		s.mu.Unlock()
		return issue.Outcome{}, err
	}
	s.issue = nil
	run := s.run
	if out.Disposition == issue.DispositionAbandon && run != nil {
		if err := run.Halt(); err != nil {
			s.logger.Error("停止工站运行失败", "error", err)
		}
		s.run = nil
	}
	s.mu.Unlock()

	if out.HoldRequested {
		s.logger.Warn("需要隔离实物", "issue_id", out.Report.ID, "work_order_id", out.Report.Job.WorkOrderID)
	}
	if out.Disposition == issue.DispositionAbandon {
		s.opts.Navigator.Navigate(ViewScan, map[string]string{"haltedIssue": out.Report.ID})
	} else {
		s.opts.Navigator.Navigate(ViewStation, map[string]string{"workOrderId": out.Report.Job.WorkOrderID})
	}
	return out, nil
}

// CancelIssue 在提交前放弃问题上报
func (s *Session) CancelIssue() error {
	s.mu.Lock()
	if s.issue == nil {
		s.mu.Unlock()
		return ErrNoIssueFlow
	}
	if err := s.issue.Cancel(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.issue = nil
	s.mu.Unlock()
	s.opts.Navigator.Navigate(ViewStation, nil)
	return nil
}

// Help 打开协助菜单
func (s *Session) Help() (*assist.Flow, error) {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveRun
	}
	if s.issue != nil || s.assist != nil {
		s.mu.Unlock()
		return nil, ErrInterruptOpen
	}
	job := s.run.Job()
	flow := assist.New(job, s.opts.Writer, assist.Options{
		Actor:   s.opts.Actor,
		Station: s.run.Station(),
		Policy:  s.opts.Policy,
		History: append([]types.CompletionPayload(nil), s.history[job.WorkOrderID]...),
	})
	s.assist = flow
	s.mu.Unlock()

	s.opts.Navigator.Navigate(ViewAssist, map[string]string{"workOrderId": job.WorkOrderID})
	return flow, nil
}

// Assist 返回打开的协助流程
func (s *Session) Assist() (*assist.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assist == nil {
		return nil, ErrNoAssistFlow
	}
	return s.assist, nil
}

// SelectAssist 在协助菜单中选择请求类型
func (s *Session) SelectAssist(ctx context.Context, kind types.AssistKind) error {
	flow, err := s.Assist()
	if err != nil {
		return err
	}
	state, err := flow.Select(ctx, kind)
	if err != nil {
		return err
	}
	switch state {
	case assist.StateConfirmed:
		s.publishAssist(flow)
	case assist.StateTravelerView:
		s.opts.Navigator.Navigate(ViewTraveler, nil)
	}
	return nil
}

// ConfirmCleanup 提交清理请求
func (s *Session) ConfirmCleanup(ctx context.Context, reason types.CleanupReason, freeform string) (types.AssistRequest, error) {
	flow, err := s.Assist()
	if err != nil {
		return types.AssistRequest{}, err
	}
	if err := flow.SelectReason(reason, freeform); err != nil {
		return types.AssistRequest{}, err
	}
	req, err := flow.ConfirmCleanup(ctx)
	if err != nil {
		return types.AssistRequest{}, err
	}
	s.publishAssist(flow)
	return req, nil
}

func (s *Session) publishAssist(flow *assist.Flow) {
	req := flow.Request()
	if req == nil {
		return
	}
	s.opts.Bus.Publish(event.Event{Type: event.AssistConfirmed, Station: req.Station, Job: req.Context, Assist: req})
}

// CloseAssist 关闭协助流程并回到工站
func (s *Session) CloseAssist() error {
	s.mu.Lock()
	if s.assist == nil {
		s.mu.Unlock()
		return ErrNoAssistFlow
	}
	if err := s.assist.Close(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.assist = nil
	s.mu.Unlock()
	s.opts.Navigator.Navigate(ViewStation, nil)
	return nil
}

// IssueView 是问题上报的只读视图
type IssueView struct {
	State string            `json:"state"`
	Draft types.IssueReport `json:"draft"`
}

// AssistView 是协助流程的只读视图
type AssistView struct {
	State   string               `json:"state"`
	Request *types.AssistRequest `json:"request,omitempty"`
}

// State 是会话的只读快照
type State struct {
	Run    *station.Snapshot `json:"run,omitempty"`
	Issue  *IssueView        `json:"issue,omitempty"`
	Assist *AssistView       `json:"assist,omitempty"`
}

// Snapshot 返回会话快照
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st State
	if s.run != nil {
		snap := s.run.Snapshot()
		st.Run = &snap
	}
	if s.issue != nil {
		st.Issue = &IssueView{State: string(s.issue.State()), Draft: s.issue.Draft()}
	}
	if s.assist != nil {
		st.Assist = &AssistView{State: string(s.assist.State()), Request: s.assist.Request()}
	}
	return st
}

type nopNavigator struct{}

func (nopNavigator) Navigate(View, map[string]string) {}
func (nopNavigator) Complete(types.CompletionPayload) {}
func (nopNavigator) FlagIssue()                       {}
