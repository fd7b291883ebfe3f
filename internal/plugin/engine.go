package plugin

import (
	"context"
	"log/slog"

	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

type Engine struct {
	reg *Registry
	log *slog.Logger
}

func NewEngine(reg *Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{reg: reg, log: log}
}

func (e *Engine) Registry() *Registry { return e.reg }

// ExecutePlugins вызывает плагины триггера по порядку. Первая ошибка прерывает
// остальные. Возвращает имена успешно отработавших.
func (e *Engine) ExecutePlugins(ctx context.Context, trigger string, data value.Attributes, ectx *execution.Context) ([]string, error) {
	var done []string
	for _, p := range e.reg.Bound(trigger) {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := p.Execute(ctx, trigger, data, ectx); err != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			return done, meta.PluginExecutionFailed(p.Name(), err)
		}
		done = append(done, p.Name())
	}
	if len(done) > 0 {
		e.log.Debug("plugins executed", "trigger", trigger, "count", len(done))
	}
	return done, nil
}
