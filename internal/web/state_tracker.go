package web

import (
	"sync"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/event"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/types"
)

// recentAuditLimit 看板上保留的最近审计记录条数
const recentAuditLimit = 20

// RunState 定义了用于看板展示的工站运行状态
type RunState struct {
	RunID      string           `json:"runId"`
	Station    types.StationID  `json:"station"`
	Job        types.JobContext `json:"job"`
	State      fsm.State        `json:"state"`
	PhaseIndex int              `json:"phaseIndex"`
	Progress   int              `json:"progress"`
	IssueOpen  bool             `json:"issueOpen"`
}

// FloorState 代表所有工站终端的实时状态快照
type FloorState struct {
	Runs        map[string]RunState `json:"runs"`
	RecentAudit []audit.Entry       `json:"recentAudit"`
}

// StateTracker 负责追踪所有运行的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state FloorState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	st := &StateTracker{
		state: FloorState{Runs: make(map[string]RunState)},
		hub:   hub,
	}
	if hub != nil {
		hub.snapshot = func() interface{} { return st.GetStateSnapshot() }
	}
	return st
}

// UpdateRun 根据运行事件更新状态，并广播最新的全局状态
func (st *StateTracker) UpdateRun(e event.Event) {
	st.mu.Lock()
	if e.Type == event.RunMounted {
		// 同一工站的新运行替换旧运行
		for id, r := range st.state.Runs {
			if r.Station == e.Station && id != e.RunID {
				delete(st.state.Runs, id)
			}
		}
	}
	run, ok := st.state.Runs[e.RunID]
	if !ok {
		run = RunState{RunID: e.RunID, Station: e.Station, Job: e.Job}
	}
	if e.Type != event.StageLeft {
		run.State = e.State
		run.PhaseIndex = e.PhaseIndex
		run.Progress = e.Progress
	}
	switch e.Type {
	case event.IssueOpened:
		run.IssueOpen = true
	case event.IssueSubmitted:
		run.IssueOpen = false
	}
	st.state.Runs[e.RunID] = run
	snapshot := st.copyLocked()
	st.mu.Unlock()

	st.broadcast(snapshot)
}

// AddAudit 记录最近落地的审计记录，最新的在前
func (st *StateTracker) AddAudit(e audit.Entry) {
	st.mu.Lock()
	recent := append([]audit.Entry{e}, st.state.RecentAudit...)
	if len(recent) > recentAuditLimit {
		recent = recent[:recentAuditLimit]
	}
	st.state.RecentAudit = recent
	snapshot := st.copyLocked()
	st.mu.Unlock()

	st.broadcast(snapshot)
}

func (st *StateTracker) broadcast(s FloorState) {
	if st.hub != nil {
		st.hub.BroadcastState(s)
	}
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() FloorState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

func (st *StateTracker) copyLocked() FloorState {
	// 创建深拷贝以避免并发问题
	newState := FloorState{
		Runs:        make(map[string]RunState, len(st.state.Runs)),
		RecentAudit: append([]audit.Entry(nil), st.state.RecentAudit...),
	}
	for id, r := range st.state.Runs {
		newState.Runs[id] = r
	}
	return newState
}
