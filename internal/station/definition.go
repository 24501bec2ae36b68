package station

import (
	"errors"
	"fmt"
	"time"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/types"
)

// 所有工站共用的状态；执行阶段的状态由各工站配置
const (
	StateChecklist fsm.State = "CHECKLIST"
	StateFinished  fsm.State = "FINISHED"
	StateReleased  fsm.State = "RELEASED" // 已发出完成信号
	StateHalted    fsm.State = "HALTED"   // 检验不合格后停止
	StateAborted   fsm.State = "ABORTED"  // 操作员离开或被新的扫码替换

	StateArmed   fsm.State = "ARMED"
	StateRunning fsm.State = "RUNNING"
	StateCooling fsm.State = "COOLING"
)

var reservedStates = map[fsm.State]bool{
	StateChecklist: true, StateFinished: true, StateReleased: true, StateHalted: true, StateAborted: true,
}

// PhaseDef 定义一个检查阶段
type PhaseDef struct {
	Title  string   `mapstructure:"title" json:"title"`
	Checks []string `mapstructure:"checks" json:"checks"`
	Rule   string   `mapstructure:"rule,omitempty" json:"rule,omitempty"` // 规则表达式 (expr 语法)，为空则总是包含
}

// StageDef 定义检查完成后的一个阶段
// Timed 阶段由进度计时器推进，非 Timed 阶段（如 ARMED）需要显式 Start
type StageDef struct {
	State fsm.State `mapstructure:"state" json:"state"`
	Timed bool      `mapstructure:"timed" json:"timed"`
}

// RouteDef 决定完成后的下一道工序
type RouteDef struct {
	Rule      string          `mapstructure:"rule,omitempty" json:"rule,omitempty"`
	Operation string          `mapstructure:"operation" json:"operation"`
	Station   types.StationID `mapstructure:"station" json:"station"`
}

// Definition 是一个工站的完整配置，每种工站只是一个配置值
type Definition struct {
	Name               types.StationID      `mapstructure:"name" json:"name"`
	DisplayName        string               `mapstructure:"display_name" json:"displayName"`
	ActionPrefix       string               `mapstructure:"action_prefix" json:"actionPrefix"` // 审计动作前缀，默认与 Name 相同
	Phases             []PhaseDef           `mapstructure:"phases" json:"phases"`
	Stages             []StageDef           `mapstructure:"stages" json:"stages"`
	ProgressStep       int                  `mapstructure:"progress_step" json:"progressStep"`
	ProgressIntervalMs int                  `mapstructure:"progress_interval_ms" json:"progressIntervalMs"` // 0 表示由宿主手动驱动 Tick
	Inspection         bool                 `mapstructure:"inspection" json:"inspection"`                  // 每个阶段需要判定合格/不合格
	ComplianceFlag     audit.ComplianceFlag `mapstructure:"compliance_flag" json:"complianceFlag,omitempty"`
	Next               []RouteDef           `mapstructure:"next" json:"next"`
}

// ErrInvalidDefinition 表示工站配置不合法
var ErrInvalidDefinition = errors.New("invalid station definition")

// Validate 检查配置的一致性
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("%w: %s has no checklist phases", ErrInvalidDefinition, d.Name)
	}
	seen := make(map[fsm.State]bool)
	for _, s := range d.Stages {
		if s.State == "" || reservedStates[s.State] {
			return fmt.Errorf("%w: %s uses reserved or empty stage %q", ErrInvalidDefinition, d.Name, s.State)
		}
		if seen[s.State] {
			return fmt.Errorf("%w: %s repeats stage %s", ErrInvalidDefinition, d.Name, s.State)
		}
		seen[s.State] = true
		if s.Timed && d.ProgressStep <= 0 {
			return fmt.Errorf("%w: %s has timed stage %s but no progress step", ErrInvalidDefinition, d.Name, s.State)
		}
	}
	switch d.ComplianceFlag {
	case "", audit.ComplianceITAR, audit.ComplianceCUI:
	default:
		return fmt.Errorf("%w: %s has unknown compliance flag %s", ErrInvalidDefinition, d.Name, d.ComplianceFlag)
	}
	return nil
}

// Prefix 返回审计动作前缀
func (d *Definition) Prefix() string {
	if d.ActionPrefix != "" {
		return d.ActionPrefix
	}
	return string(d.Name)
}

// Interval 返回进度计时器周期
func (d *Definition) Interval() time.Duration {
	return time.Duration(d.ProgressIntervalMs) * time.Millisecond
}

// Defaults 返回内置的四种工站配置，配置文件缺失时使用
func Defaults() []Definition {
	return []Definition{
		{
			Name:        types.StationAdditive,
			DisplayName: "Additive Manufacturing",
			Phases: []PhaseDef{
				{Title: "Build Plate", Checks: []string{"Plate leveled", "Plate cleaned and dry"}},
				{Title: "Powder", Checks: []string{"Powder lot matches traveler", "Hopper filled", "Recoater blade inspected"}},
				{Title: "Chamber", Checks: []string{"Inert gas purge complete", "Oxygen below 0.1%"}},
			},
			Stages:             []StageDef{{State: StateRunning, Timed: true}},
			ProgressStep:       1,
			ProgressIntervalMs: 200,
			Next: []RouteDef{
				{Operation: "Finish Machining", Station: types.StationCNC},
			},
		},
		{
			Name:        types.StationAutoclave,
			DisplayName: "Autoclave Cure",
			Phases: []PhaseDef{
				{Title: "Bagging", Checks: []string{"Vacuum bag leak check passed", "Thermocouples attached"}},
				{Title: "Load", Checks: []string{"Tool secured on cart", "Door seal inspected"}},
			},
			Stages: []StageDef{
				{State: StateArmed},
				{State: StateRunning, Timed: true},
				{State: StateCooling, Timed: true},
			},
			ProgressStep:       5,
			ProgressIntervalMs: 500,
			ComplianceFlag:     audit.ComplianceITAR,
			Next: []RouteDef{
				{Operation: "Trim and Drill", Station: types.StationCNC},
			},
		},
		{
			Name:        types.StationCNC,
			DisplayName: "CNC Machining",
			Phases: []PhaseDef{
				{Title: "Setup", Checks: []string{"Fixture clamped", "Work offset verified"}},
				{Title: "Tooling", Checks: []string{"Tool lengths measured"}},
			},
			Stages:             []StageDef{{State: StateRunning, Timed: true}},
			ProgressStep:       5,
			ProgressIntervalMs: 500,
			Next: []RouteDef{
				{Rule: `job.OperationName contains "Rough"`, Operation: "Finish Machining", Station: types.StationCNC},
				{Operation: "Final Inspection", Station: types.StationCertification},
			},
		},
		{
			Name:        types.StationCertification,
			DisplayName: "Certification",
			Phases: []PhaseDef{
				{Title: "Visual", Checks: []string{"No surface defects", "Part marking legible"}},
				{Title: "Dimensional", Checks: []string{"Critical dimensions within tolerance"}},
				{Title: "First Article", Checks: []string{"FAI report attached"}, Rule: `job.OperationName contains "FAI"`},
				{Title: "Documentation", Checks: []string{"Traveler signed", "Material certs on file"}},
			},
			Inspection:     true,
			ComplianceFlag: audit.ComplianceCUI,
			Next: []RouteDef{
				{Operation: "Pack and Ship", Station: "SHIPPING"},
			},
		},
	}
}
