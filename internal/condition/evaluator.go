// Package condition разбирает и вычисляет условия правил, шагов и разрешений.
//
// Язык намеренно узкий: сравнения полей, and/or/not, in/not in, строковые
// предикаты и арифметика. Вызовов методов и доступа к рантайму нет.
package condition

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"meridian/internal/execution"
	"meridian/internal/value"
)

// Program: скомпилированное выражение, безопасное для параллельного вычисления.
type Program struct {
	src  string
	root node
}

func (p *Program) Source() string { return p.src }

// Eval вычисляет выражение против данных и контекста вызова.
func (p *Program) Eval(data value.Attributes, ectx *execution.Context) (value.Value, error) {
	return p.root.eval(bindings{data: data, ectx: ectx})
}

// Compile разбирает выражение без кэша.
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Program{src: src, root: root}, nil
}

// Evaluator кэширует скомпилированные выражения по исходной строке.
// Кэш живёт до явного ClearCache.
type Evaluator struct {
	log *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Program
	group singleflight.Group
}

type Option func(*Evaluator)

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{log: slog.Default(), cache: map[string]*Program{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Program возвращает скомпилированное выражение из кэша или компилирует его.
// Параллельные промахи по одной строке компилируют её один раз.
func (e *Evaluator) Program(src string) (*Program, error) {
	e.mu.RLock()
	p, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}
	v, err, _ := e.group.Do(src, func() (any, error) {
		p, err := Compile(src)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[src] = p
		e.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Program), nil
}

// Evaluate: пустое выражение истинно; ошибка разбора или вычисления,
// а также небулев результат дают false. Ошибки только логируются.
func (e *Evaluator) Evaluate(expr string, data value.Attributes, ectx *execution.Context) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	v, err := e.Compute(expr, data, ectx)
	if err != nil {
		e.log.Warn("condition evaluation failed", "expr", expr, "err", err)
		return false
	}
	b, ok := v.(value.Bool)
	if !ok {
		e.log.Debug("condition is not boolean", "expr", expr, "kind", v.Kind().String())
		return false
	}
	return bool(b)
}

// Compute вычисляет выражение как значение (вычисляемые поля, "${expr}" в действиях).
func (e *Evaluator) Compute(expr string, data value.Attributes, ectx *execution.Context) (value.Value, error) {
	p, err := e.Program(expr)
	if err != nil {
		return nil, err
	}
	v, err := p.Eval(data, ectx)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expr, err)
	}
	return v, nil
}

// Check компилирует выражение без вычисления (lint определений).
func (e *Evaluator) Check(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := e.Program(expr)
	return err
}

func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = map[string]*Program{}
	e.mu.Unlock()
}

func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// bindings: поля данных < переменные контекста < tenantId/userId.
// Явные пространства имён: data.x, variables.x, context.tenantId,
// context.variables.x, context.metadata.x.
type bindings struct {
	data value.Attributes
	ectx *execution.Context
}

func (b bindings) lookup(path []string) value.Value {
	if len(path) == 1 {
		name := path[0]
		if b.ectx != nil {
			switch name {
			case "tenantId":
				return value.String(b.ectx.TenantID)
			case "userId":
				return value.String(b.ectx.UserID)
			}
			if v, ok := b.ectx.Variables[name]; ok {
				return v
			}
		}
		return b.data.Get(name)
	}
	switch path[0] {
	case "data":
		if len(path) == 2 {
			return b.data.Get(path[1])
		}
	case "variables":
		if len(path) == 2 && b.ectx != nil {
			return b.ectx.Variables.Get(path[1])
		}
	case "context":
		return b.contextPath(path[1:])
	}
	return value.Null{}
}

func (b bindings) contextPath(path []string) value.Value {
	c := b.ectx
	if c == nil {
		return value.Null{}
	}
	if len(path) == 1 {
		switch path[0] {
		case "tenantId":
			return value.String(c.TenantID)
		case "userId":
			return value.String(c.UserID)
		case "sessionId":
			return value.String(c.SessionID)
		case "requestId":
			return value.String(c.RequestID)
		case "entity", "currentEntity":
			return value.String(c.CurrentEntity)
		case "action", "currentAction":
			return value.String(c.CurrentAction)
		}
		return value.Null{}
	}
	if len(path) == 2 {
		switch path[0] {
		case "variables":
			return c.Variables.Get(path[1])
		case "metadata":
			if v, ok := c.Metadata[path[1]]; ok {
				return value.String(v)
			}
		case "roles":
			return value.Bool(c.HasRole(path[1]))
		case "permissions":
			return value.Bool(c.Granted(path[1]))
		}
	}
	return value.Null{}
}
