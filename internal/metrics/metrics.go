package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// ActiveRuns 仪表盘：当前挂载中的工站运行数
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_active_runs",
		Help: "The number of station runs currently mounted",
	})

	// RunsStartedTotal 计数器：进入执行阶段的运行数，按工站分类
	RunsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_runs_started_total",
		Help: "The total number of station runs that entered execution",
	}, []string{"station"})

	// RunsCompletedTotal 计数器：放行完成的运行数，按工站分类
	RunsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_runs_completed_total",
		Help: "The total number of station runs released to the next station",
	}, []string{"station"})

	// IssuesFlaggedTotal 计数器：提交的质量问题，按类别和严重程度分类
	IssuesFlaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_issues_flagged_total",
		Help: "The total number of submitted quality issues",
	}, []string{"type", "severity"})

	// AuditWriteFailures 计数器：审计写入失败数，按动作分类
	AuditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_audit_write_failures_total",
		Help: "The total number of audit writes that failed",
	}, []string{"action"})

	// AuditQueueDepth 仪表盘：等待写入的审计记录数
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_audit_queue_depth",
		Help: "The number of audit records waiting to be written",
	})

	// StageDuration 直方图：各工站各阶段的停留时长
	// 用于分析操作员在检查和执行阶段的耗时
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiosk_stage_duration_seconds",
		Help:    "Time spent in each station stage",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"station", "stage"})
)
