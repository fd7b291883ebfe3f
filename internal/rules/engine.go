// Package rules исполняет правила condition → actions на триггерах.
package rules

import (
	"context"
	"log/slog"
	"sort"

	"meridian/internal/condition"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// Outcome: итог одного правила в пачке.
type Outcome string

const (
	Executed Outcome = "executed"
	Skipped  Outcome = "skipped"
	Failed   Outcome = "failed"
)

type RuleResult struct {
	Rule     string  `json:"rule"`
	Priority int     `json:"priority"`
	Outcome  Outcome `json:"outcome"`
}

// Report: результаты в порядке исполнения.
type Report struct {
	Results []RuleResult `json:"results"`
}

func (r Report) Executed() []string { return r.names(Executed) }
func (r Report) Skipped() []string  { return r.names(Skipped) }

func (r Report) names(o Outcome) []string {
	var out []string
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res.Rule)
		}
	}
	return out
}

type Engine struct {
	eval    *condition.Evaluator
	actions *ActionExecutor
	log     *slog.Logger
}

func NewEngine(eval *condition.Evaluator, actions *ActionExecutor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{eval: eval, actions: actions, log: log}
}

func (e *Engine) Actions() *ActionExecutor { return e.actions }

// Order: активные правила по убыванию приоритета; равные приоритеты
// сохраняют порядок объявления.
func Order(rules []meta.RuleDefinition) []meta.RuleDefinition {
	out := make([]meta.RuleDefinition, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// ExecuteRules исполняет пачку. Ложное условие, skipped без побочных эффектов.
// Ошибка действий любого правила прерывает остаток пачки.
func (e *Engine) ExecuteRules(ctx context.Context, rules []meta.RuleDefinition, data value.Attributes, ectx *execution.Context) (Report, error) {
	var rep Report
	for _, r := range Order(rules) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.eval.Evaluate(r.Condition, data, ectx) {
			rep.Results = append(rep.Results, RuleResult{Rule: r.Name, Priority: r.Priority, Outcome: Skipped})
			e.log.Debug("rule skipped", "rule", r.Name)
			continue
		}
		if err := e.actions.Execute(ctx, r.Actions, data, ectx); err != nil {
			rep.Results = append(rep.Results, RuleResult{Rule: r.Name, Priority: r.Priority, Outcome: Failed})
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			return rep, meta.RuleExecutionFailed(r.Name, err)
		}
		rep.Results = append(rep.Results, RuleResult{Rule: r.Name, Priority: r.Priority, Outcome: Executed})
		e.log.Debug("rule executed", "rule", r.Name, "actions", len(r.Actions))
	}
	return rep, nil
}
