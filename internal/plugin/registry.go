// Package plugin содержит точки расширения конвейера, плагины на триггерах.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// Plugin: расширение, вызываемое на триггерах жизненного цикла.
// Initialize и Destroy реестр вызывает ровно по одному разу.
type Plugin interface {
	Name() string
	Type() string
	Initialize(ctx context.Context, config map[string]string) error
	Execute(ctx context.Context, trigger string, data value.Attributes, ectx *execution.Context) error
	Destroy(ctx context.Context) error
}

// Factory создаёт экземпляр плагина по привязке из хранилища определений.
type Factory func(b meta.PluginBinding) (Plugin, error)

// AnyTrigger в привязке означает «на всех триггерах».
const AnyTrigger = "*"

type entry struct {
	plugin  Plugin
	binding meta.PluginBinding
	// managed: создан из привязки и заменяется при Reload
	managed bool
}

func (e *entry) bound(trigger string) bool {
	if !e.binding.Enabled {
		return false
	}
	for _, t := range strings.Split(e.binding.Trigger, ",") {
		t = strings.TrimSpace(t)
		if t == AnyTrigger || t == trigger {
			return true
		}
	}
	return false
}

// Registry хранит плагины в порядке регистрации. Читатели работают со
// снимком без блокировок, писатели сериализуются mu.
type Registry struct {
	log *slog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	snap      atomic.Pointer[[]*entry]
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log, factories: map[string]Factory{}}
	empty := []*entry{}
	r.snap.Store(&empty)
	return r
}

func (r *Registry) entries() []*entry { return *r.snap.Load() }

// RegisterFactory добавляет тип плагина для привязок.
func (r *Registry) RegisterFactory(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return meta.InvalidDefinition("plugin type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

func (r *Registry) HasFactory(typ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[typ]
	return ok
}

// Register инициализирует и добавляет плагин. Триггер и enabled берутся из b;
// имя всегда p.Name().
func (r *Registry) Register(ctx context.Context, p Plugin, b meta.PluginBinding) error {
	return r.register(ctx, p, b, false)
}

func (r *Registry) register(ctx context.Context, p Plugin, b meta.PluginBinding, managed bool) error {
	if p == nil || p.Name() == "" {
		return meta.InvalidDefinition("plugin name must not be empty")
	}
	b.Name, b.Type = p.Name(), p.Type()

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.entries()
	for _, e := range cur {
		if e.binding.Name == b.Name {
			return meta.InvalidDefinition("plugin %q already registered", b.Name)
		}
	}
	if err := p.Initialize(ctx, b.Config); err != nil {
		return meta.PluginExecutionFailed(b.Name, fmt.Errorf("initialize: %w", err))
	}
	next := append(append([]*entry(nil), cur...), &entry{plugin: p, binding: b, managed: managed})
	r.snap.Store(&next)
	r.log.Debug("plugin registered", "plugin", b.Name, "type", b.Type, "trigger", b.Trigger)
	return nil
}

// Unregister удаляет плагин и вызывает Destroy.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	cur := r.entries()
	var victim *entry
	next := make([]*entry, 0, len(cur))
	for _, e := range cur {
		if e.binding.Name == name {
			victim = e
			continue
		}
		next = append(next, e)
	}
	if victim == nil {
		r.mu.Unlock()
		return meta.DefinitionNotFound("plugin", name)
	}
	r.snap.Store(&next)
	r.mu.Unlock()
	return victim.plugin.Destroy(ctx)
}

// SetEnabled включает или выключает плагин без переинициализации.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.entries()
	next := make([]*entry, len(cur))
	found := false
	for i, e := range cur {
		if e.binding.Name == name {
			cp := *e
			cp.binding.Enabled = enabled
			next[i] = &cp
			found = true
			continue
		}
		next[i] = e
	}
	if !found {
		return meta.DefinitionNotFound("plugin", name)
	}
	r.snap.Store(&next)
	return nil
}

// Reload заменяет плагины, созданные из привязок. Новый набор сначала
// полностью инициализируется; при ошибке он уничтожается, а старый остаётся.
func (r *Registry) Reload(ctx context.Context, bindings []meta.PluginBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.entries()
	var kept, retired []*entry
	manual := map[string]bool{}
	for _, e := range cur {
		if e.managed {
			retired = append(retired, e)
			continue
		}
		kept = append(kept, e)
		manual[e.binding.Name] = true
	}

	var fresh []*entry
	fail := func(err error) error {
		for _, e := range fresh {
			if derr := e.plugin.Destroy(ctx); derr != nil {
				r.log.Warn("plugin destroy failed", "plugin", e.binding.Name, "err", derr)
			}
		}
		return err
	}
	seen := map[string]bool{}
	for _, b := range bindings {
		if b.Name == "" || manual[b.Name] || seen[b.Name] {
			return fail(meta.InvalidDefinition("plugin binding %q is empty or duplicated", b.Name))
		}
		seen[b.Name] = true
		f, ok := r.factories[b.Type]
		if !ok {
			return fail(meta.InvalidDefinition("unknown plugin type %q for %q", b.Type, b.Name))
		}
		p, err := f(b)
		if err != nil {
			return fail(meta.PluginExecutionFailed(b.Name, err))
		}
		if err := p.Initialize(ctx, b.Config); err != nil {
			return fail(meta.PluginExecutionFailed(b.Name, fmt.Errorf("initialize: %w", err)))
		}
		fresh = append(fresh, &entry{plugin: p, binding: b, managed: true})
	}

	next := append(kept, fresh...)
	r.snap.Store(&next)

	var errs []error
	for _, e := range retired {
		if err := e.plugin.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", e.binding.Name, err))
		}
	}
	r.log.Info("plugins reloaded", "count", len(fresh), "retired", len(retired))
	return errors.Join(errs...)
}

// Bound: включённые плагины триггера в порядке регистрации.
func (r *Registry) Bound(trigger string) []Plugin {
	var out []Plugin
	for _, e := range r.entries() {
		if e.bound(trigger) {
			out = append(out, e.plugin)
		}
	}
	return out
}

func (r *Registry) Get(name string) (Plugin, bool) {
	for _, e := range r.entries() {
		if e.binding.Name == name {
			return e.plugin, true
		}
	}
	return nil, false
}

// Bindings: привязки всех плагинов в порядке регистрации.
func (r *Registry) Bindings() []meta.PluginBinding {
	cur := r.entries()
	out := make([]meta.PluginBinding, 0, len(cur))
	for _, e := range cur {
		out = append(out, e.binding)
	}
	return out
}

// Close уничтожает все плагины.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	cur := r.entries()
	empty := []*entry{}
	r.snap.Store(&empty)
	r.mu.Unlock()
	var errs []error
	for _, e := range cur {
		if err := e.plugin.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", e.binding.Name, err))
		}
	}
	return errors.Join(errs...)
}
