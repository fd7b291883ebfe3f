package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"meridian/internal/condition"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// Handler исполняет одно действие. data изменяется на месте.
type Handler func(ctx context.Context, x *ActionExecutor, a meta.Action, data value.Attributes, ectx *execution.Context) error

// ActionExecutor: таблица обработчиков по типу действия.
type ActionExecutor struct {
	eval *condition.Evaluator
	log  *slog.Logger

	mu       sync.RWMutex
	handlers map[meta.ActionType]Handler
}

type ExecutorOption func(*ActionExecutor)

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(x *ActionExecutor) { x.log = l }
}

// NewActionExecutor регистрирует встроенные типы действий.
func NewActionExecutor(eval *condition.Evaluator, opts ...ExecutorOption) *ActionExecutor {
	x := &ActionExecutor{eval: eval, log: slog.Default(), handlers: map[meta.ActionType]Handler{}}
	for _, opt := range opts {
		opt(x)
	}
	x.handlers[meta.ActionSetVariable] = setVariable
	x.handlers[meta.ActionSetField] = setField
	x.handlers[meta.ActionValidate] = validate
	x.handlers[meta.ActionTransform] = transform
	x.handlers[meta.ActionLog] = logAction
	x.handlers[meta.ActionMetadata] = setMetadata
	return x
}

// RegisterHandler добавляет пользовательский тип действия.
func (x *ActionExecutor) RegisterHandler(t meta.ActionType, h Handler) error {
	if t == "" || h == nil {
		return meta.InvalidDefinition("action handler requires a type and a function")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.handlers[t]; exists {
		return meta.InvalidDefinition("action handler %q already registered", t)
	}
	x.log.Debug("registering action handler", "type", string(t))
	x.handlers[t] = h
	return nil
}

// Known сообщает, есть ли обработчик для типа (для lint).
func (x *ActionExecutor) Known(t meta.ActionType) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.handlers[t]
	return ok
}

// Execute выполняет действия строго в объявленном порядке.
// Неизвестный тип логируется и пропускается, ошибка обработчика прерывает список.
func (x *ActionExecutor) Execute(ctx context.Context, actions []meta.Action, data value.Attributes, ectx *execution.Context) error {
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		x.mu.RLock()
		h, ok := x.handlers[a.Type]
		x.mu.RUnlock()
		if !ok {
			x.log.Warn("unknown action type, skipped", "type", string(a.Type))
			continue
		}
		if err := h(ctx, x, a, data, ectx); err != nil {
			return fmt.Errorf("action %s: %w", a, err)
		}
	}
	return nil
}

var exprRef = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolve: строка целиком вида "${expr}" вычисляется, прочее, литерал.
func (x *ActionExecutor) Resolve(raw any, data value.Attributes, ectx *execution.Context) (value.Value, error) {
	if s, ok := raw.(string); ok {
		t := strings.TrimSpace(s)
		if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") && strings.Count(t, "${") == 1 {
			return x.eval.Compute(t[2:len(t)-1], data, ectx)
		}
	}
	return value.From(raw)
}

// Interpolate подставляет значения ${expr} внутри текста сообщений.
func (x *ActionExecutor) Interpolate(s string, data value.Attributes, ectx *execution.Context) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return exprRef.ReplaceAllStringFunc(s, func(m string) string {
		v, err := x.eval.Compute(m[2:len(m)-1], data, ectx)
		if err != nil {
			x.log.Debug("interpolation failed", "expr", m, "err", err)
			return m
		}
		return v.String()
	})
}

func setVariable(_ context.Context, x *ActionExecutor, a meta.Action, data value.Attributes, ectx *execution.Context) error {
	if a.Variable == "" {
		return meta.InvalidDefinition("set_variable requires variable")
	}
	v, err := x.Resolve(a.Value, data, ectx)
	if err != nil {
		return err
	}
	ectx.SetVariable(a.Variable, v)
	return nil
}

func setField(_ context.Context, x *ActionExecutor, a meta.Action, data value.Attributes, ectx *execution.Context) error {
	if a.Field == "" {
		return meta.InvalidDefinition("set_field requires field")
	}
	if data == nil {
		return fmt.Errorf("no data to set %q on", a.Field)
	}
	v, err := x.Resolve(a.Value, data, ectx)
	if err != nil {
		return err
	}
	data[a.Field] = v
	return nil
}

// validate без Value всегда записывает ошибку (её условие, условие правила).
// С Value ошибка записывается, если значение не равно true.
func validate(_ context.Context, x *ActionExecutor, a meta.Action, data value.Attributes, ectx *execution.Context) error {
	field := a.Field
	if field == "" {
		field = "_"
	}
	msg := x.Interpolate(a.Message, data, ectx)
	if msg == "" {
		msg = "Validation failed"
	}
	if a.Value == nil {
		ectx.AddValidationError(field, msg)
		return nil
	}
	v, err := x.Resolve(a.Value, data, ectx)
	if err != nil {
		x.log.Debug("validate expression failed", "field", field, "err", err)
		ectx.AddValidationError(field, msg)
		return nil
	}
	if b, ok := v.(value.Bool); !ok || !bool(b) {
		ectx.AddValidationError(field, msg)
	}
	return nil
}

func transform(_ context.Context, _ *ActionExecutor, a meta.Action, data value.Attributes, _ *execution.Context) error {
	cur := data.Get(a.Field)
	if value.IsNull(cur) {
		return nil
	}
	s, ok := cur.(value.String)
	if !ok {
		return fmt.Errorf("transform %q: field %q is %s, not string", a.Transform, a.Field, cur.Kind())
	}
	var out string
	switch strings.ToLower(a.Transform) {
	case "uppercase", "upper":
		out = strings.ToUpper(string(s))
	case "lowercase", "lower":
		out = strings.ToLower(string(s))
	case "trim":
		out = strings.TrimSpace(string(s))
	case "title":
		// Caser хранит состояние и не годится для параллельного использования
		out = cases.Title(language.Und).String(string(s))
	default:
		return meta.InvalidDefinition("unknown transform %q", a.Transform)
	}
	data[a.Field] = value.String(out)
	return nil
}

func logAction(ctx context.Context, x *ActionExecutor, a meta.Action, data value.Attributes, ectx *execution.Context) error {
	level := slog.LevelInfo
	if a.Level != "" {
		if err := level.UnmarshalText([]byte(a.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	x.log.Log(ctx, level, x.Interpolate(a.Message, data, ectx),
		"tenant", ectx.TenantID, "entity", ectx.CurrentEntity, "action", ectx.CurrentAction)
	return nil
}

func setMetadata(_ context.Context, x *ActionExecutor, a meta.Action, data value.Attributes, ectx *execution.Context) error {
	if a.Key == "" {
		return meta.InvalidDefinition("metadata requires key")
	}
	v, err := x.Resolve(a.Value, data, ectx)
	if err != nil {
		return err
	}
	ectx.SetMetadata(a.Key, v.String())
	return nil
}
