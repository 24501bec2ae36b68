// Package audit 定义审计接收端的契约以及内存、日志文件、SQLite 和远程几种实现。
//
// 所有需要事后可证明的状态转移都会写入一条审计记录。写入失败只影响该条记录，
// 不会回滚或阻塞任何状态机。
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"mes-kiosk/internal/util"
)

// Role 操作者角色
type Role string

const (
	RoleOperator   Role = "OPERATOR"
	RoleSupervisor Role = "SUPERVISOR"
	RoleQA         Role = "QA"
	RoleSystem     Role = "SYSTEM"
)

// Category 审计类别
type Category string

const (
	CategoryProduction Category = "PRODUCTION"
	CategoryQuality    Category = "QUALITY"
	CategoryAssist     Category = "ASSIST"
	CategorySystem     Category = "SYSTEM"
)

// Outcome 审计结果
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeFlagged Outcome = "FLAGGED"
)

// ComplianceFlag 出口管制或受控信息标记
type ComplianceFlag string

const (
	ComplianceITAR ComplianceFlag = "ITAR"
	ComplianceCUI  ComplianceFlag = "CUI"
)

// 工站流程中使用的动作名
const (
	ActionNCRCreated          = "NCR_CREATED"
	ActionQualityIssueFlagged = "QUALITY_ISSUE_FLAGGED"
	ActionAssistPrefix        = "ASSIST_"
)

// StartedAction 返回工站开始执行的动作名，例如 CNC_STARTED
func StartedAction(prefix string) string { return prefix + "_STARTED" }

// CompleteAction 返回工站完成的动作名，例如 CNC_COMPLETE
func CompleteAction(prefix string) string { return prefix + "_COMPLETE" }

// ChangeSummary 记录变更前后的值
type ChangeSummary struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// Record 是调用方提交的写入请求
type Record struct {
	Actor          string
	Role           Role
	Action         string
	ObjectType     string
	ObjectID       string
	Details        string
	Reason         string
	ComplianceFlag ComplianceFlag
	ChangeSummary  *ChangeSummary
	IPAddress      string
}

// Entry 是落地后的不可变审计记录
type Entry struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	User           string         `json:"user"`
	Role           Role           `json:"role"`
	Category       Category       `json:"category"`
	ObjectType     string         `json:"objectType"`
	ObjectID       string         `json:"objectId"`
	Action         string         `json:"action"`
	Result         Outcome        `json:"result"`
	TenantID       string         `json:"tenantId"`
	Details        string         `json:"details,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ComplianceFlag ComplianceFlag `json:"complianceFlag,omitempty"`
	ChangeSummary  *ChangeSummary `json:"changeSummary,omitempty"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	TraceID        string         `json:"traceId,omitempty"`
}

// Result 是一次写入的结果：成功时带回记录，失败时带回原因
type Result struct {
	Entry Entry
	Err   error
}

// OK 判断写入是否成功
func (r Result) OK() bool { return r.Err == nil }

// Sink 审计接收端
type Sink interface {
	LogAction(ctx context.Context, rec Record) Result
}

// Lister 读取审计记录，按时间倒序返回有限快照
type Lister interface {
	List(ctx context.Context) ([]Entry, error)
}

// ErrEmptyAction 表示记录缺少动作名
var ErrEmptyAction = errors.New("audit record has no action")

// NewEntry 为记录补齐 ID、时间戳、租户、类别和结果
func NewEntry(ctx context.Context, rec Record, tenantID string) (Entry, error) {
	if rec.Action == "" {
		return Entry{}, ErrEmptyAction
	}
	role := rec.Role
	if role == "" {
		role = RoleOperator
	}
	objectType := rec.ObjectType
	if objectType == "" {
		objectType = "WORK_ORDER"
	}
	category, outcome := Classify(rec.Action)
	e := Entry{
		ID:             "AUD-" + uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		User:           rec.Actor,
		Role:           role,
		Category:       category,
		ObjectType:     objectType,
		ObjectID:       rec.ObjectID,
		Action:         rec.Action,
		Result:         outcome,
		TenantID:       tenantID,
		Details:        rec.Details,
		Reason:         rec.Reason,
		ComplianceFlag: rec.ComplianceFlag,
		ChangeSummary:  rec.ChangeSummary,
		IPAddress:      rec.IPAddress,
	}
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		e.TraceID = traceID
	}
	return e, nil
}

// Classify 根据动作名推导类别和结果
func Classify(action string) (Category, Outcome) {
	switch {
	case action == ActionNCRCreated, action == ActionQualityIssueFlagged:
		return CategoryQuality, OutcomeFlagged
	case strings.HasPrefix(action, ActionAssistPrefix):
		return CategoryAssist, OutcomeSuccess
	case strings.HasSuffix(action, "_STARTED"), strings.HasSuffix(action, "_COMPLETE"):
		return CategoryProduction, OutcomeSuccess
	default:
		return CategorySystem, OutcomeSuccess
	}
}
