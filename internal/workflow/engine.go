// Package workflow исполняет упорядоченные шаги workflow.
package workflow

import (
	"context"
	"log/slog"
	"sync"

	"meridian/internal/condition"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/rules"
	"meridian/internal/value"
)

// Hook: поведение типа шага после его действий.
type Hook func(ctx context.Context, step meta.WorkflowStep, data value.Attributes, ectx *execution.Context) error

type Outcome string

const (
	Executed Outcome = "executed"
	Skipped  Outcome = "skipped"
	Failed   Outcome = "failed"
)

type StepResult struct {
	Workflow string  `json:"workflow"`
	Step     string  `json:"step"`
	Outcome  Outcome `json:"outcome"`
	Error    string  `json:"error,omitempty"`
}

type Report struct {
	Steps []StepResult `json:"steps"`
}

func (r *Report) add(res StepResult) { r.Steps = append(r.Steps, res) }

// Outcomes: "workflow/step" → итог, удобно для проверок.
func (r Report) Outcomes() map[string]Outcome {
	out := make(map[string]Outcome, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Workflow+"/"+s.Step] = s.Outcome
	}
	return out
}

type Engine struct {
	eval    *condition.Evaluator
	actions *rules.ActionExecutor
	log     *slog.Logger

	mu    sync.RWMutex
	hooks map[meta.StepType]Hook
}

func NewEngine(eval *condition.Evaluator, actions *rules.ActionExecutor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{eval: eval, actions: actions, log: log, hooks: map[meta.StepType]Hook{}}
	e.hooks[meta.StepValidation] = validationHook
	return e
}

// SetHook заменяет поведение типа шага. Неизвестный тип, ошибка.
func (e *Engine) SetHook(t meta.StepType, h Hook) error {
	if !t.Valid() {
		return meta.InvalidDefinition("unknown step type %q", t)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if h == nil {
		delete(e.hooks, t)
		return nil
	}
	e.hooks[t] = h
	return nil
}

// validationHook проваливает шаг, если действия накопили ошибки валидации.
func validationHook(_ context.Context, _ meta.WorkflowStep, _ value.Attributes, ectx *execution.Context) error {
	if ectx.ValidationFailed() {
		return meta.ValidationFailed(ectx.CurrentEntity, ectx.ValidationErrors())
	}
	return nil
}

// ExecuteAll исполняет workflow в переданном порядке; первый провал прерывает всё.
func (e *Engine) ExecuteAll(ctx context.Context, wfs []meta.WorkflowDefinition, data value.Attributes, ectx *execution.Context) (Report, error) {
	var rep Report
	for i := range wfs {
		if err := e.execute(ctx, &wfs[i], data, ectx, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// Execute исполняет один workflow. Неактивный workflow не исполняется.
func (e *Engine) Execute(ctx context.Context, wf *meta.WorkflowDefinition, data value.Attributes, ectx *execution.Context) (Report, error) {
	var rep Report
	err := e.execute(ctx, wf, data, ectx, &rep)
	return rep, err
}

func (e *Engine) execute(ctx context.Context, wf *meta.WorkflowDefinition, data value.Attributes, ectx *execution.Context, rep *Report) error {
	if !wf.Active {
		e.log.Debug("workflow inactive", "workflow", wf.Name)
		return nil
	}
	for _, step := range wf.OrderedSteps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := StepResult{Workflow: wf.Name, Step: step.Name}
		if !e.eval.Evaluate(step.Condition, data, ectx) {
			res.Outcome = Skipped
			rep.add(res)
			continue
		}
		if step.Async {
			e.log.Warn("async step executed synchronously", "workflow", wf.Name, "step", step.Name)
		}
		err := e.runStep(ctx, step, data, ectx)
		if err == nil {
			res.Outcome = Executed
			rep.add(res)
			continue
		}
		res.Outcome = Failed
		res.Error = err.Error()
		rep.add(res)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if step.Mandatory {
			return meta.WorkflowExecutionFailed(wf.Name, step.Name, err)
		}
		e.log.Warn("optional workflow step failed", "workflow", wf.Name, "step", step.Name, "err", err)
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, step meta.WorkflowStep, data value.Attributes, ectx *execution.Context) error {
	if err := e.actions.Execute(ctx, step.Actions, data, ectx); err != nil {
		return err
	}
	e.mu.RLock()
	h := e.hooks[step.Type]
	e.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, step, data, ectx)
}
