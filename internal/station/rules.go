package station

import (
	"fmt"
	"log/slog"

	"github.com/antonmedv/expr"

	"mes-kiosk/internal/checklist"
	"mes-kiosk/internal/types"
)

// evaluateRule 对 JobContext 求值规则表达式
// 空规则视为成立
func evaluateRule(rule string, job types.JobContext) (bool, error) {
	if rule == "" {
		return true, nil
	}
	env := map[string]interface{}{"job": job}
	program, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("rule compilation failed: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return matched, nil
}

// buildPhases 按规则筛选本次运行需要的检查阶段
// 规则出错时保留该阶段，宁可多检不可漏检
func buildPhases(def *Definition, job types.JobContext, logger *slog.Logger) []*checklist.Phase {
	phases := make([]*checklist.Phase, 0, len(def.Phases))
	for _, p := range def.Phases {
		include, err := evaluateRule(p.Rule, job)
		if err != nil {
			logger.Error("规则引擎评估失败，保留该检查阶段", "error", err, "rule", p.Rule, "phase", p.Title)
			include = true
		}
		if !include {
			logger.Info("跳过检查阶段", "rule", p.Rule, "phase", p.Title)
			continue
		}
		phases = append(phases, checklist.NewPhase(p.Title, p.Checks...))
	}
	return phases
}

// ResolveNext 返回第一条匹配的路由，没有匹配时返回零值
func (d *Definition) ResolveNext(job types.JobContext) (RouteDef, error) {
	for _, r := range d.Next {
		ok, err := evaluateRule(r.Rule, job)
		if err != nil {
			return RouteDef{}, fmt.Errorf("station %s route %q: %w", d.Name, r.Rule, err)
		}
		if ok {
			return r, nil
		}
	}
	return RouteDef{}, nil
}
