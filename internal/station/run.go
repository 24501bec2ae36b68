package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/checklist"
	"mes-kiosk/internal/event"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/issue"
	"mes-kiosk/internal/types"
	"mes-kiosk/internal/util"
)

var (
	ErrWrongState          = errors.New("operation not allowed in current state")
	ErrChecklistIncomplete = errors.New("checklist phase is not satisfied")
	ErrNotCurrentPhase     = errors.New("only the current checklist phase can be changed")
	ErrResultRequired      = errors.New("inspection result required before advancing")
	ErrNotInspection       = errors.New("station does not record inspection results")
	ErrEscalationOpen      = errors.New("the escalation for this phase is still open")
	ErrNoApplicablePhases  = errors.New("no checklist phase applies to this job")
)

// PhaseResult 是检验工站每个阶段的判定
type PhaseResult string

const (
	ResultUnset PhaseResult = ""
	ResultPass  PhaseResult = "PASS"
	ResultFail  PhaseResult = "FAIL"
)

const (
	eventSetupDone fsm.Event = "SETUP_DONE"
	eventStageDone fsm.Event = "STAGE_DONE"
	eventRelease   fsm.Event = "RELEASE"
	eventHalt      fsm.Event = "HALT"
	eventAbort     fsm.Event = "ABORT"
)

// Options 是运行的外部协作者
type Options struct {
	Actor    string       // 写入审计的操作员或工站 ID
	Writer   audit.Writer // 审计写入，必填
	Logger   *slog.Logger
	Bus      *event.Bus // 可为 nil
	Progress ProgressFactory
}

// Transition 描述一次 Advance 的结果
type Transition struct {
	From       fsm.State   `json:"from"`
	To         fsm.State   `json:"to"`
	PhaseIndex int         `json:"phaseIndex"`
	Escalation *issue.Flow `json:"-"` // 检验不合格时打开的问题上报
}

// Run 是一个 JobContext 在一个工站上的一次执行
// 计时器 goroutine 与调用方共用同一把锁，离开计时阶段时计时器必定被取消
type Run struct {
	mu      sync.Mutex
	ID      string
	def     Definition
	job     types.JobContext
	opts    Options
	ctx     context.Context // 携带 Trace ID，供计时器触发的转移写审计
	logger  *slog.Logger
	machine *fsm.FSM

	gate       *checklist.Gate
	phaseIndex int
	results    []PhaseResult

	progress  int
	source    ProgressSource
	enteredAt time.Time

	cancelTimer context.CancelFunc
	timerGen    uint64

	started    bool
	escalation *issue.Flow
}

// NewRun 以工站配置和 JobContext 挂载一次运行
func NewRun(ctx context.Context, def Definition, job types.JobContext, opts Options) (*Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job context: %w", err)
	}
	if opts.Writer == nil {
		return nil, errors.New("station run requires an audit writer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Progress == nil {
		opts.Progress = SimulatedFactory
	}

	id := uuid.NewString()
	traceID, ok := util.TraceIDFromContext(ctx)
	if !ok {
		traceID = util.NewTraceID()
	}
	logger := opts.Logger.With("run_id", id, "station", def.Name, "work_order_id", job.WorkOrderID, "trace_id", traceID)

	phases := buildPhases(&def, job, logger)
	if len(phases) == 0 {
		return nil, fmt.Errorf("%w: station %s", ErrNoApplicablePhases, def.Name)
	}

	r := &Run{
		ID:        id,
		def:       def,
		job:       job,
		opts:      opts,
		ctx:       util.ContextWithTraceID(context.WithoutCancel(ctx), traceID),
		logger:    logger,
		machine:   buildMachine(id, def.Stages),
		gate:      checklist.NewGate(phases...),
		results:   make([]PhaseResult, len(phases)),
		enteredAt: time.Now(),
	}

	logger.Info("挂载工站运行", "phases", len(phases), "operation", job.OperationName)
	r.publishLocked(event.RunMounted)
	return r, nil
}

// buildMachine 构建 CHECKLIST → stages... → FINISHED → RELEASED 的转移表
func buildMachine(id string, stages []StageDef) *fsm.FSM {
	sequence := make([]fsm.State, 0, len(stages)+1)
	for _, s := range stages {
		sequence = append(sequence, s.State)
	}
	sequence = append(sequence, StateFinished)

	m := fsm.New(id, StateChecklist).
		AddTransition(StateChecklist, eventSetupDone, sequence[0]).
		AddTransition(StateChecklist, eventHalt, StateHalted).
		AddTransition(StateChecklist, eventAbort, StateAborted).
		AddTransition(StateFinished, eventRelease, StateReleased)
	for i := 0; i < len(sequence)-1; i++ {
		m.AddTransition(sequence[i], eventStageDone, sequence[i+1])
	}
	for _, s := range sequence {
		m.AddTransition(s, eventAbort, StateAborted)
	}
	return m
}

// Station 返回工站名
func (r *Run) Station() types.StationID { return r.def.Name }

// Definition 返回工站配置
func (r *Run) Definition() Definition { return r.def }

// Job 返回 JobContext
func (r *Run) Job() types.JobContext { return r.job }

// State 返回当前状态
func (r *Run) State() fsm.State { return r.machine.Current() }

// PhaseIndex 返回当前检查阶段下标
func (r *Run) PhaseIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phaseIndex
}

// Progress 返回当前计时阶段进度
func (r *Run) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Escalation 返回检验不合格时打开的问题上报，没有时为 nil
func (r *Run) Escalation() *issue.Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.escalation
}

func (r *Run) stage(s fsm.State) (StageDef, bool) {
	for _, st := range r.def.Stages {
		if st.State == s {
			return st, true
		}
	}
	return StageDef{}, false
}

// Toggle 翻转当前检查阶段中的一项
func (r *Run) Toggle(phaseIndex int, label string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.machine.Current(); cur != StateChecklist {
		return false, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	if phaseIndex != r.phaseIndex {
		return false, fmt.Errorf("%w: phase %d, current %d", ErrNotCurrentPhase, phaseIndex, r.phaseIndex)
	}
	on := r.gate.Toggle(phaseIndex, label)
	r.publishLocked(event.RunChanged)
	return on, nil
}

// MarkResult 记录当前检验阶段的判定
func (r *Run) MarkResult(result PhaseResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.def.Inspection {
		return ErrNotInspection
	}
	if cur := r.machine.Current(); cur != StateChecklist {
		return fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	switch result {
	case ResultUnset, ResultPass, ResultFail:
	default:
		return fmt.Errorf("unknown inspection result %q", result)
	}
	r.results[r.phaseIndex] = result
	r.publishLocked(event.RunChanged)
	return nil
}

// Advance 在当前检查阶段满足时推进
// 检验判定为不合格时不推进，而是写 NCR_CREATED 并打开问题上报
func (r *Run) Advance(ctx context.Context) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.machine.Current()
	if from != StateChecklist {
		return Transition{From: from, To: from, PhaseIndex: r.phaseIndex}, fmt.Errorf("%w: %s", ErrWrongState, from)
	}
	i := r.phaseIndex
	stay := Transition{From: from, To: from, PhaseIndex: i}

	if r.def.Inspection && r.results[i] == ResultFail {
		if r.escalationOpenLocked() {
			stay.Escalation = r.escalation
			return stay, ErrEscalationOpen
		}
		phase := r.gate.Phase(i)
		r.record(ctx, audit.ActionNCRCreated, fmt.Sprintf("%s phase=%q", r.summary(), phase.Title))
		r.escalation = issue.New(r.job, r.opts.Writer, issue.Options{
			Actor:          r.opts.Actor,
			Station:        r.def.Name,
			Disposition:    issue.DispositionAbandon,
			PresetType:     types.IssueInspectionFailure,
			PresetSeverity: types.SeverityMajor,
		})
		r.logger.Warn("检验不合格，已创建 NCR", "phase", phase.Title)
		r.publishLocked(event.IssueOpened)
		stay.Escalation = r.escalation
		return stay, nil
	}

	if !r.gate.IsSatisfied(i) {
		return stay, ErrChecklistIncomplete
	}
	if r.def.Inspection && r.results[i] != ResultPass {
		return stay, ErrResultRequired
	}

	if i < r.gate.Len()-1 {
		r.phaseIndex++
		r.logger.Info("检查阶段完成", "phase", r.gate.Phase(i).Title, "next_phase", r.phaseIndex)
		r.publishLocked(event.RunChanged)
		return Transition{From: from, To: StateChecklist, PhaseIndex: r.phaseIndex}, nil
	}

	to, err := r.fireLocked(ctx, eventSetupDone)
	return Transition{From: from, To: to, PhaseIndex: r.phaseIndex}, err
}

func (r *Run) escalationOpenLocked() bool {
	if r.escalation == nil {
		return false
	}
	switch r.escalation.State() {
	case issue.StateReturned, issue.StateCancelled:
		return false
	}
	return true
}

// Start 从需要显式启动的阶段（如 ARMED）进入下一阶段
func (r *Run) Start(ctx context.Context) (fsm.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.machine.Current()
	if st, ok := r.stage(cur); !ok || st.Timed {
		return cur, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	return r.fireLocked(ctx, eventStageDone)
}

// Tick 推进一次计时阶段的进度
// 进度到 100 时自动进入下一阶段并停止计时器；返回本次读数
func (r *Run) Tick() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tickLocked()
}

func (r *Run) tickLocked() (int, error) {
	cur := r.machine.Current()
	if st, ok := r.stage(cur); !ok || !st.Timed {
		return r.progress, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}
	reading := r.source.Tick()
	if reading > 100 {
		reading = 100
	}
	if reading > r.progress {
		r.progress = reading
	}
	if r.progress < 100 {
		r.publishLocked(event.RunChanged)
		return r.progress, nil
	}
	if _, err := r.fireLocked(r.ctx, eventStageDone); err != nil {
		return 100, err
	}
	return 100, nil
}

// Finish 在 FINISHED 中确认放行：写 <STATION>_COMPLETE 并返回完成信号
func (r *Run) Finish(ctx context.Context) (types.CompletionPayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.machine.Current(); cur != StateFinished {
		return types.CompletionPayload{}, fmt.Errorf("%w: %s", ErrWrongState, cur)
	}

	route, err := r.def.ResolveNext(r.job)
	if err != nil {
		r.logger.Error("下一工序路由失败", "error", err)
	}
	payload := types.CompletionPayload{
		WorkOrderID:       r.job.WorkOrderID,
		PartID:            r.job.PartID,
		OperationName:     r.job.OperationName,
		StationName:       r.def.Name,
		NextOperationName: route.Operation,
		NextStationName:   route.Station,
	}

	r.record(ctx, audit.CompleteAction(r.def.Prefix()),
		fmt.Sprintf("%s next_op=%q next_station=%s", r.summary(), route.Operation, route.Station))
	if _, err := r.fireLocked(ctx, eventRelease); err != nil {
		return types.CompletionPayload{}, err
	}
	r.logger.Info("工站运行完成", "next_station", route.Station, "next_operation", route.Operation)
	r.publishLocked(event.RunReleased)
	return payload, nil
}

// Halt 在检验不合格并处理完上报后停止运行
func (r *Run) Halt() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.fireLocked(r.ctx, eventHalt); err != nil {
		return err
	}
	r.logger.Warn("工站运行因检验不合格停止")
	r.publishLocked(event.RunHalted)
	return nil
}

// Close 卸载运行：取消计时器，未结束的运行进入 ABORTED
// 可以重复调用
func (r *Run) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	// 已结束的运行没有 ABORT 转移
	if !r.machine.Can(eventAbort) {
		return
	}
	if _, err := r.fireLocked(r.ctx, eventAbort); err != nil {
		r.logger.Error("卸载工站运行失败", "error", err)
		return
	}
	r.logger.Info("工站运行已卸载")
	r.publishLocked(event.RunAborted)
}

// fireLocked 触发状态转移并执行离开和进入动作
func (r *Run) fireLocked(ctx context.Context, ev fsm.Event) (fsm.State, error) {
	prev := r.machine.Current()
	next, err := r.machine.Fire(ev)
	if err != nil {
		return prev, fmt.Errorf("%w: %v", ErrWrongState, err)
	}
	r.leaveLocked(prev)
	r.enterLocked(ctx, next)
	return next, nil
}

func (r *Run) leaveLocked(prev fsm.State) {
	r.stopTimerLocked()
	r.opts.Bus.Publish(event.Event{
		Type:     event.StageLeft,
		RunID:    r.ID,
		Station:  r.def.Name,
		Job:      r.job,
		State:    prev,
		Duration: time.Since(r.enteredAt),
	})
}

func (r *Run) enterLocked(ctx context.Context, s fsm.State) {
	r.enteredAt = time.Now()
	st, isStage := r.stage(s)

	// 第一次进入执行阶段（计时阶段，或没有计时阶段时的 FINISHED）写 STARTED
	if ((isStage && st.Timed) || s == StateFinished) && !r.started {
		r.started = true
		r.record(ctx, audit.StartedAction(r.def.Prefix()), r.summary())
		r.logger.Info("工站开始执行", "state", s)
		r.publishLocked(event.RunStarted)
	}

	if isStage && st.Timed {
		r.progress = 0
		r.source = r.opts.Progress(&r.def, s)
		r.startTimerLocked()
	}
	r.publishLocked(event.StageEntered)
}

// startTimerLocked 启动计时阶段的周期计时器
// 周期为 0 时不启动，由宿主调用 Tick
func (r *Run) startTimerLocked() {
	interval := r.def.Interval()
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelTimer = cancel
	r.timerGen++
	gen := r.timerGen

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.mu.Lock()
				// 锁内再次确认计时器仍属于当前阶段
				if ctx.Err() != nil || gen != r.timerGen {
					r.mu.Unlock()
					return
				}
				_, err := r.tickLocked()
				r.mu.Unlock()
				if err != nil {
					r.logger.Warn("计时器推进失败", "error", err)
					return
				}
			}
		}
	}()
}

func (r *Run) stopTimerLocked() {
	if r.cancelTimer != nil {
		r.cancelTimer()
		r.cancelTimer = nil
	}
	r.timerGen++
}

// timerActive 判断当前是否有计时器在运行
func (r *Run) timerActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelTimer != nil
}

func (r *Run) record(ctx context.Context, action, details string) {
	if _, ok := util.TraceIDFromContext(ctx); !ok {
		ctx = r.ctx
	}
	r.opts.Writer.Record(ctx, audit.Record{
		Actor:          r.opts.Actor,
		Action:         action,
		ObjectType:     "WORK_ORDER",
		ObjectID:       r.job.WorkOrderID,
		Details:        details,
		ComplianceFlag: r.def.ComplianceFlag,
	})
}

func (r *Run) summary() string {
	return fmt.Sprintf("station=%s part=%s op=%q run=%s", r.def.Name, r.job.PartID, r.job.OperationName, r.ID)
}

func (r *Run) publishLocked(t event.EventType) {
	r.opts.Bus.Publish(event.Event{
		Type:       t,
		RunID:      r.ID,
		Station:    r.def.Name,
		Job:        r.job,
		State:      r.machine.Current(),
		PhaseIndex: r.phaseIndex,
		Progress:   r.progress,
	})
}

// PhaseView 是检查阶段的只读视图
type PhaseView struct {
	Title     string      `json:"title"`
	Required  []string    `json:"required"`
	Completed []string    `json:"completed"`
	Satisfied bool        `json:"satisfied"`
	Result    PhaseResult `json:"result,omitempty"`
}

// Snapshot 是运行的只读视图，供界面和 API 使用
type Snapshot struct {
	RunID      string           `json:"runId"`
	Station    types.StationID  `json:"station"`
	Job        types.JobContext `json:"job"`
	State      fsm.State        `json:"state"`
	PhaseIndex int              `json:"phaseIndex"`
	PhaseCount int              `json:"phaseCount"`
	Phase      *PhaseView       `json:"phase,omitempty"`
	Progress   int              `json:"progress"`
	Started    bool             `json:"started"`
	Inspection bool             `json:"inspection"`
	Escalated  bool             `json:"escalated"`
}

// Snapshot 返回当前状态的快照
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		RunID:      r.ID,
		Station:    r.def.Name,
		Job:        r.job,
		State:      r.machine.Current(),
		PhaseIndex: r.phaseIndex,
		PhaseCount: r.gate.Len(),
		Progress:   r.progress,
		Started:    r.started,
		Inspection: r.def.Inspection,
		Escalated:  r.escalationOpenLocked(),
	}
	if s.State == StateChecklist {
		p := r.gate.Phase(r.phaseIndex)
		s.Phase = &PhaseView{
			Title:     p.Title,
			Required:  p.Required(),
			Completed: p.Completed(),
			Satisfied: p.IsSatisfied(),
			Result:    r.results[r.phaseIndex],
		}
	}
	return s
}
