package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// StationID 定义工站 ID
// 使用字符串类型，方便在日志和配置中直接使用
type StationID string

const (
	// 车间引导工站常量定义
	StationAdditive      StationID = "ADDITIVE"      // 增材制造工站：打印件的铺粉、打印和取件
	StationAutoclave     StationID = "AUTOCLAVE"     // 热压罐工站：复合材料的装罐、固化和冷却
	StationCNC           StationID = "CNC"           // 数控加工工站：装夹、对刀和加工
	StationCertification StationID = "CERTIFICATION" // 合格认证工站：逐项检验，不合格即开 NCR
)

var validate = validator.New()

// ScanResult 是上游扫码动作的返回值
// 字段名与看板扫码接口保持一致
type ScanResult struct {
	Station StationID `json:"station" validate:"required"`
	Part    string    `json:"part" validate:"required"`
	WO      string    `json:"wo" validate:"required"`
	Op      string    `json:"op" validate:"required"`
}

// Validate 检查扫码结果是否完整
func (s ScanResult) Validate() error {
	return validate.Struct(s)
}

// JobContext 标识流经工站的工作单元
// 交给工站后即不可变，所有子流程只读使用
type JobContext struct {
	WorkOrderID   string `json:"workOrderId" validate:"required"`
	PartID        string `json:"partId" validate:"required"`
	OperationName string `json:"operationName" validate:"required"`
}

// JobFromScan 由扫码结果构造 JobContext
func JobFromScan(s ScanResult) (JobContext, error) {
	if err := s.Validate(); err != nil {
		return JobContext{}, fmt.Errorf("invalid scan: %w", err)
	}
	return JobContext{WorkOrderID: s.WO, PartID: s.Part, OperationName: s.Op}, nil
}

// Validate 检查 JobContext 的标识字段
func (j JobContext) Validate() error {
	return validate.Struct(j)
}

// CompletionPayload 由工站运行到达 FINISHED 并确认放行时发出
type CompletionPayload struct {
	WorkOrderID       string    `json:"workOrderId"`
	PartID            string    `json:"partId"`
	OperationName     string    `json:"operationName"`
	StationName       StationID `json:"stationName"`
	NextOperationName string    `json:"nextOperationName"`
	NextStationName   StationID `json:"nextStationName"`
}

// IssueType 质量问题类别
type IssueType string

const (
	IssueDimensional       IssueType = "DIMENSIONAL"
	IssueSurfaceDefect     IssueType = "SURFACE_DEFECT"
	IssueMaterial          IssueType = "MATERIAL"
	IssueTooling           IssueType = "TOOLING"
	IssueEquipment         IssueType = "EQUIPMENT"
	IssueDocumentation     IssueType = "DOCUMENTATION"
	IssueFOD               IssueType = "FOD"
	IssueInspectionFailure IssueType = "INSPECTION_FAILURE"
	IssueOther             IssueType = "OTHER"
)

// IssueTypes 是问题上报时允许选择的固定集合
var IssueTypes = []IssueType{
	IssueDimensional, IssueSurfaceDefect, IssueMaterial, IssueTooling,
	IssueEquipment, IssueDocumentation, IssueFOD, IssueInspectionFailure, IssueOther,
}

// Valid 判断类别是否属于固定集合
func (t IssueType) Valid() bool {
	for _, it := range IssueTypes {
		if it == t {
			return true
		}
	}
	return false
}

// Severity 问题严重程度
type Severity string

const (
	SeverityMinor    Severity = "Minor"
	SeverityMajor    Severity = "Major"
	SeverityCritical Severity = "Critical"
)

// Valid 判断严重程度是否合法
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityMajor, SeverityCritical:
		return true
	}
	return false
}

// Containment 即时风险控制动作
type Containment string

const (
	ContainmentHold    Containment = "HOLD"    // 隔离实物，仅作为信号
	ContainmentStation Containment = "STATION" // 暂停工站
	ContainmentQA      Containment = "QA"      // 请求质量复核
	ContainmentSuper   Containment = "SUPER"   // 通知主管
)

// Valid 判断遏制动作是否合法
func (c Containment) Valid() bool {
	switch c {
	case ContainmentHold, ContainmentStation, ContainmentQA, ContainmentSuper:
		return true
	}
	return false
}

// IssueReport 由问题上报子流程产生，提交后不可变
type IssueReport struct {
	ID                 string        `json:"id"`
	Job                JobContext    `json:"job"`
	Station            StationID     `json:"station"`
	IssueType          IssueType     `json:"issueType" validate:"required"`
	Severity           Severity      `json:"severity" validate:"required"`
	Description        string        `json:"description,omitempty"`
	ContainmentActions []Containment `json:"containmentActions"`
	EvidenceAttached   bool          `json:"evidenceAttached"`
}

// HoldRequested 表示实物需要物理隔离
func (r IssueReport) HoldRequested() bool {
	for _, c := range r.ContainmentActions {
		if c == ContainmentHold {
			return true
		}
	}
	return false
}

// AssistKind 协助请求类型
type AssistKind string

const (
	AssistCallSupervisor AssistKind = "CALL_SUPERVISOR"
	AssistRequestQA      AssistKind = "REQUEST_QA"
	AssistCleanup        AssistKind = "REQUEST_CLEANUP"
	AssistTraveler       AssistKind = "VIEW_TRAVELER"
)

// AssistKinds 是协助菜单中的固定选项
var AssistKinds = []AssistKind{AssistCallSupervisor, AssistRequestQA, AssistCleanup, AssistTraveler}

// CleanupReason 清理请求原因
type CleanupReason string

const (
	CleanupCoolantSpill CleanupReason = "COOLANT_SPILL"
	CleanupChipBuildup  CleanupReason = "CHIP_BUILDUP"
	CleanupResinSpill   CleanupReason = "RESIN_SPILL"
	CleanupFODSweep     CleanupReason = "FOD_SWEEP"
	CleanupOther        CleanupReason = "OTHER"
)

// Valid 判断清理原因是否合法
func (r CleanupReason) Valid() bool {
	switch r {
	case CleanupCoolantSpill, CleanupChipBuildup, CleanupResinSpill, CleanupFODSweep, CleanupOther:
		return true
	}
	return false
}

// AssistRequest 由协助子流程产生，提交时一次写入
type AssistRequest struct {
	Kind           AssistKind    `json:"kind"`
	Context        JobContext    `json:"context"`
	Station        StationID     `json:"station"`
	Reason         CleanupReason `json:"reason,omitempty"`
	FreeformReason string        `json:"freeformReason,omitempty"`
}
