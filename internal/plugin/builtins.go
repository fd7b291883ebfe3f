package plugin

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// Встроенные типы плагинов.
const (
	TypeLog      = "log"
	TypeMetadata = "metadata"
	TypeAudit    = "audit"
)

// RegisterBuiltins добавляет фабрики встроенных типов.
func RegisterBuiltins(r *Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for typ, f := range map[string]Factory{
		TypeLog:      func(b meta.PluginBinding) (Plugin, error) { return &LogPlugin{name: b.Name, log: log}, nil },
		TypeMetadata: func(b meta.PluginBinding) (Plugin, error) { return &MetadataPlugin{name: b.Name}, nil },
		TypeAudit:    func(b meta.PluginBinding) (Plugin, error) { return NewAuditPlugin(b.Name), nil },
	} {
		if err := r.RegisterFactory(typ, f); err != nil {
			return err
		}
	}
	return nil
}

// LogPlugin пишет строку лога на каждый триггер. config: level.
type LogPlugin struct {
	name  string
	log   *slog.Logger
	level slog.Level
}

func (p *LogPlugin) Name() string { return p.name }
func (p *LogPlugin) Type() string { return TypeLog }

func (p *LogPlugin) Initialize(_ context.Context, cfg map[string]string) error {
	p.level = slog.LevelInfo
	if lv := cfg["level"]; lv != "" {
		return p.level.UnmarshalText([]byte(lv))
	}
	return nil
}

func (p *LogPlugin) Execute(ctx context.Context, trigger string, data value.Attributes, ectx *execution.Context) error {
	p.log.Log(ctx, p.level, "pipeline trigger",
		"plugin", p.name, "trigger", trigger,
		"entity", ectx.CurrentEntity, "tenant", ectx.TenantID, "user", ectx.UserID,
		"fields", len(data))
	return nil
}

func (p *LogPlugin) Destroy(context.Context) error { return nil }

// MetadataPlugin копирует свою конфигурацию в метаданные контекста.
type MetadataPlugin struct {
	name string
	kv   map[string]string
}

func (p *MetadataPlugin) Name() string { return p.name }
func (p *MetadataPlugin) Type() string { return TypeMetadata }

func (p *MetadataPlugin) Initialize(_ context.Context, cfg map[string]string) error {
	p.kv = make(map[string]string, len(cfg))
	for k, v := range cfg {
		p.kv[k] = v
	}
	return nil
}

func (p *MetadataPlugin) Execute(_ context.Context, _ string, _ value.Attributes, ectx *execution.Context) error {
	for k, v := range p.kv {
		ectx.SetMetadata(k, v)
	}
	return nil
}

func (p *MetadataPlugin) Destroy(context.Context) error { return nil }

// AuditEntry: запись журнала аудита.
type AuditEntry struct {
	At        time.Time         `json:"at"`
	Trigger   string            `json:"trigger"`
	Entity    string            `json:"entity"`
	Action    string            `json:"action"`
	TenantID  string            `json:"tenantId"`
	UserID    string            `json:"userId"`
	RequestID string            `json:"requestId"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// AuditPlugin хранит последние записи в кольцевом буфере.
// config: capacity (по умолчанию 1000), fields, список полей через запятую.
type AuditPlugin struct {
	name string

	mu       sync.Mutex
	capacity int
	fields   []string
	entries  []AuditEntry
	now      func() time.Time
}

func NewAuditPlugin(name string) *AuditPlugin {
	return &AuditPlugin{name: name, capacity: 1000, now: time.Now}
}

func (p *AuditPlugin) Name() string { return p.name }
func (p *AuditPlugin) Type() string { return TypeAudit }

func (p *AuditPlugin) Initialize(_ context.Context, cfg map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := cfg["capacity"]; c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n <= 0 {
			return meta.InvalidDefinition("audit capacity must be a positive integer, got %q", c)
		}
		p.capacity = n
	}
	p.fields = nil
	for _, f := range strings.Split(cfg["fields"], ",") {
		if f = strings.TrimSpace(f); f != "" {
			p.fields = append(p.fields, f)
		}
	}
	sort.Strings(p.fields)
	return nil
}

func (p *AuditPlugin) Execute(_ context.Context, trigger string, data value.Attributes, ectx *execution.Context) error {
	e := AuditEntry{
		At:        p.now().UTC(),
		Trigger:   trigger,
		Entity:    ectx.CurrentEntity,
		Action:    ectx.CurrentAction,
		TenantID:  ectx.TenantID,
		UserID:    ectx.UserID,
		RequestID: ectx.RequestID,
	}
	if len(p.fields) > 0 {
		e.Fields = map[string]string{}
		for _, f := range p.fields {
			if data.Has(f) {
				e.Fields[f] = data.Get(f).String()
			}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	if over := len(p.entries) - p.capacity; over > 0 {
		p.entries = append([]AuditEntry(nil), p.entries[over:]...)
	}
	return nil
}

// Entries: копия журнала, от старых к новым.
func (p *AuditPlugin) Entries() []AuditEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AuditEntry(nil), p.entries...)
}

func (p *AuditPlugin) Destroy(context.Context) error {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
	return nil
}
