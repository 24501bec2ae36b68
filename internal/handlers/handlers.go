package handlers

import (
	"log/slog"

	"mes-kiosk/internal/event"
	"mes-kiosk/internal/metrics"
	"mes-kiosk/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 监控、看板和日志三类关注点互不依赖；st 为 nil 时不注册看板处理器
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.RunMounted, func(e event.Event) {
		metrics.ActiveRuns.Inc()
	})
	for _, et := range []event.EventType{event.RunReleased, event.RunHalted, event.RunAborted} {
		bus.Subscribe(et, func(e event.Event) {
			metrics.ActiveRuns.Dec()
		})
	}
	bus.Subscribe(event.RunStarted, func(e event.Event) {
		metrics.RunsStartedTotal.WithLabelValues(string(e.Station)).Inc()
	})
	bus.Subscribe(event.RunReleased, func(e event.Event) {
		metrics.RunsCompletedTotal.WithLabelValues(string(e.Station)).Inc()
	})
	bus.Subscribe(event.IssueSubmitted, func(e event.Event) {
		if e.Issue != nil {
			metrics.IssuesFlaggedTotal.WithLabelValues(string(e.Issue.IssueType), string(e.Issue.Severity)).Inc()
		}
	})
	// 离开阶段时记录停留时长
	bus.Subscribe(event.StageLeft, func(e event.Event) {
		metrics.StageDuration.WithLabelValues(string(e.Station), string(e.State)).Observe(e.Duration.Seconds())
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if st != nil {
		for _, et := range []event.EventType{
			event.RunMounted, event.RunChanged, event.StageEntered, event.RunReleased,
			event.RunHalted, event.RunAborted, event.IssueOpened, event.IssueSubmitted,
		} {
			bus.Subscribe(et, st.UpdateRun)
		}
		bus.Subscribe(event.AuditWritten, func(e event.Event) {
			if e.Audit != nil {
				st.AddAudit(*e.Audit)
			}
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(event.RunReleased, func(e event.Event) {
		logger.Info("工站运行已放行", "run_id", e.RunID, "station", e.Station, "work_order_id", e.Job.WorkOrderID)
	})
	bus.Subscribe(event.RunHalted, func(e event.Event) {
		logger.Warn("工站运行已停止", "run_id", e.RunID, "station", e.Station, "work_order_id", e.Job.WorkOrderID)
	})
	bus.Subscribe(event.IssueSubmitted, func(e event.Event) {
		if e.Issue != nil {
			logger.Warn("质量问题已提交", "issue_id", e.Issue.ID, "type", e.Issue.IssueType, "severity", e.Issue.Severity)
		}
	})
	bus.Subscribe(event.AssistConfirmed, func(e event.Event) {
		if e.Assist != nil {
			logger.Info("协助请求已确认", "kind", e.Assist.Kind, "station", e.Station)
		}
	})
	bus.Subscribe(event.AuditWriteFailed, func(e event.Event) {
		logger.Error("审计写入失败", "action", e.Action, "work_order_id", e.Job.WorkOrderID, "error", e.Error)
	})
}
