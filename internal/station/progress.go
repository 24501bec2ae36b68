package station

import "mes-kiosk/internal/fsm"

// ProgressSource 提供计时阶段的进度读数 (0-100)
// 模拟实现按固定步长递增，真实设备可以替换为传感器轮询
type ProgressSource interface {
	Tick() int
}

// ProgressFactory 为每个计时阶段创建新的进度源
type ProgressFactory func(def *Definition, stage fsm.State) ProgressSource

// SimulatedProgress 每次 Tick 增加固定步长
type SimulatedProgress struct {
	step    int
	current int
}

// NewSimulatedProgress 创建模拟进度源
func NewSimulatedProgress(step int) *SimulatedProgress {
	return &SimulatedProgress{step: step}
}

// Tick 返回递增后的进度，不超过 100
func (p *SimulatedProgress) Tick() int {
	p.current += p.step
	if p.current > 100 {
		p.current = 100
	}
	return p.current
}

// SimulatedFactory 是默认的进度源工厂
func SimulatedFactory(def *Definition, _ fsm.State) ProgressSource {
	return NewSimulatedProgress(def.ProgressStep)
}
