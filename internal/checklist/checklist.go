// Package checklist 实现工站的检查项门控：当前阶段的所有必检项确认之前不能推进
package checklist

import (
	"sort"
	"sync"
)

// Phase 是一组需要逐项确认的检查项
type Phase struct {
	Title     string
	required  []string            // 保持配置中的顺序，用于展示
	completed map[string]struct{} // 始终是 required 的子集
}

// NewPhase 创建一个检查阶段，重复的检查项会被合并
func NewPhase(title string, checks ...string) *Phase {
	p := &Phase{Title: title, completed: make(map[string]struct{})}
	seen := make(map[string]struct{}, len(checks))
	for _, c := range checks {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		p.required = append(p.required, c)
	}
	return p
}

// Required 返回必检项副本
func (p *Phase) Required() []string {
	return append([]string(nil), p.required...)
}

// Completed 返回已确认的检查项，按字母排序
func (p *Phase) Completed() []string {
	out := make([]string, 0, len(p.completed))
	for c := range p.completed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Toggle 翻转检查项的确认状态，返回翻转后是否已确认
// 不在必检列表中的标签被忽略
func (p *Phase) Toggle(label string) bool {
	if !p.requires(label) {
		return false
	}
	if _, ok := p.completed[label]; ok {
		delete(p.completed, label)
		return false
	}
	p.completed[label] = struct{}{}
	return true
}

// IsChecked 判断某项是否已确认
func (p *Phase) IsChecked(label string) bool {
	_, ok := p.completed[label]
	return ok
}

// IsSatisfied 当且仅当所有必检项均已确认时返回 true
func (p *Phase) IsSatisfied() bool {
	for _, c := range p.required {
		if _, ok := p.completed[c]; !ok {
			return false
		}
	}
	return true
}

func (p *Phase) requires(label string) bool {
	for _, c := range p.required {
		if c == label {
			return true
		}
	}
	return false
}

// Gate 持有一次运行中所有阶段的确认状态
// 状态只存在于内存中，运行被丢弃时随之丢失
type Gate struct {
	mu     sync.Mutex
	phases []*Phase
}

// NewGate 按顺序创建门控
func NewGate(phases ...*Phase) *Gate {
	return &Gate{phases: phases}
}

// Len 返回阶段数量
func (g *Gate) Len() int {
	return len(g.phases)
}

// Phase 返回指定下标的阶段，越界返回 nil
func (g *Gate) Phase(i int) *Phase {
	if i < 0 || i >= len(g.phases) {
		return nil
	}
	return g.phases[i]
}

// Toggle 翻转某阶段中的检查项
func (g *Gate) Toggle(phaseIndex int, label string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.Phase(phaseIndex)
	if p == nil {
		return false
	}
	return p.Toggle(label)
}

// IsSatisfied 判断某阶段是否满足，越界视为不满足
func (g *Gate) IsSatisfied(phaseIndex int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.Phase(phaseIndex)
	return p != nil && p.IsSatisfied()
}
