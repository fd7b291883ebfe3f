// Package meta описывает метаданные рантайма: схемы сущностей, правила,
// workflow, разрешения, группы безопасности и привязки плагинов.
package meta

import (
	"sort"
	"strings"
)

// DataType: тип поля сущности (закрытый набор).
type DataType string

const (
	TypeString    DataType = "string"
	TypeText      DataType = "text"
	TypeInteger   DataType = "integer"
	TypeDecimal   DataType = "decimal"
	TypeBoolean   DataType = "boolean"
	TypeDate      DataType = "date"
	TypeDateTime  DataType = "datetime"
	TypeEmail     DataType = "email"
	TypeEnum      DataType = "enum"
	TypeReference DataType = "reference"
)

var dataTypeAliases = map[string]DataType{
	"string": TypeString, "text": TypeText,
	"int": TypeInteger, "integer": TypeInteger, "long": TypeInteger,
	"float": TypeDecimal, "decimal": TypeDecimal, "money": TypeDecimal, "number": TypeDecimal,
	"bool": TypeBoolean, "boolean": TypeBoolean,
	"date": TypeDate, "datetime": TypeDateTime, "timestamp": TypeDateTime,
	"email": TypeEmail, "enum": TypeEnum,
	"ref": TypeReference, "reference": TypeReference,
}

// ParseDataType нормализует имя типа (включая синонимы из DSL: int, float, bool, ref).
func ParseDataType(s string) (DataType, bool) {
	t, ok := dataTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// EntityDefinition: схема бизнес-объекта, объявленная в рантайме.
type EntityDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Table       string            `json:"table,omitempty" yaml:"table,omitempty"`
	TenantID    string            `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	Active      bool              `json:"active" yaml:"active"`
	Auditable   bool              `json:"auditable" yaml:"auditable"`
	Versionable bool              `json:"versionable" yaml:"versionable"`
	Fields      []FieldDefinition `json:"fields" yaml:"fields"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Validation  map[string]string `json:"validation,omitempty" yaml:"validation,omitempty"`
	Display     map[string]string `json:"display,omitempty" yaml:"display,omitempty"`
}

// FieldDefinition: описание одного поля.
type FieldDefinition struct {
	Name            string            `json:"name" yaml:"name"`
	Label           string            `json:"label,omitempty" yaml:"label,omitempty"`
	DataType        DataType          `json:"dataType" yaml:"dataType"`
	Required        bool              `json:"required" yaml:"required"`
	Unique          bool              `json:"unique" yaml:"unique"`
	Indexed         bool              `json:"indexed" yaml:"indexed"`
	Searchable      bool              `json:"searchable" yaml:"searchable"`
	ReadOnly        bool              `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
	MinLength       *int              `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength       *int              `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Pattern         string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	DefaultValue    string            `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	OrderIndex      int               `json:"orderIndex" yaml:"orderIndex"`
	ValidationRules map[string]string `json:"validationRules,omitempty" yaml:"validationRules,omitempty"`
	Reference       string            `json:"reference,omitempty" yaml:"reference,omitempty"`
	Calculated      string            `json:"calculated,omitempty" yaml:"calculated,omitempty"`
	Enum            []string          `json:"enum,omitempty" yaml:"enum,omitempty"`
	Catalog         string            `json:"catalog,omitempty" yaml:"catalog,omitempty"`
}

// DisplayLabel: Label или имя поля.
func (f FieldDefinition) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// OrderedFields возвращает поля по OrderIndex; при равенстве, в порядке объявления.
func (d *EntityDefinition) OrderedFields() []FieldDefinition {
	out := append([]FieldDefinition(nil), d.Fields...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// Field ищет поле по имени.
func (d *EntityDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// RuleDefinition: правило condition → actions на триггере.
type RuleDefinition struct {
	Name       string   `json:"name" yaml:"name"`
	EntityType string   `json:"entityType" yaml:"entityType"`
	TenantID   string   `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	Trigger    string   `json:"trigger" yaml:"trigger"`
	Condition  string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Actions    []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Priority   int      `json:"priority" yaml:"priority"`
	Active     bool     `json:"active" yaml:"active"`
}

// StepType: тип шага workflow.
type StepType string

const (
	StepValidation     StepType = "validation"
	StepTransformation StepType = "transformation"
	StepEnrichment     StepType = "enrichment"
	StepNotification   StepType = "notification"
	StepCustom         StepType = "custom"
)

// Valid сообщает, что тип входит в закрытый набор.
func (t StepType) Valid() bool {
	switch t {
	case StepValidation, StepTransformation, StepEnrichment, StepNotification, StepCustom:
		return true
	}
	return false
}

// WorkflowDefinition: упорядоченная последовательность шагов на триггере.
type WorkflowDefinition struct {
	Name       string         `json:"name" yaml:"name"`
	EntityType string         `json:"entityType" yaml:"entityType"`
	TenantID   string         `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	Trigger    string         `json:"trigger" yaml:"trigger"`
	Active     bool           `json:"active" yaml:"active"`
	Steps      []WorkflowStep `json:"steps" yaml:"steps"`
}

// WorkflowStep: шаг workflow. Async объявлен, но шаги всегда выполняются синхронно.
type WorkflowStep struct {
	Name      string   `json:"name" yaml:"name"`
	Type      StepType `json:"type" yaml:"type"`
	Order     int      `json:"order" yaml:"order"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Actions   []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Mandatory bool     `json:"mandatory" yaml:"mandatory"`
	Async     bool     `json:"async,omitempty" yaml:"async,omitempty"`
}

// OrderedSteps: шаги по возрастанию Order, стабильно.
func (w *WorkflowDefinition) OrderedSteps() []WorkflowStep {
	out := append([]WorkflowStep(nil), w.Steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// PermissionDefinition: условная выдача/отзыв ключа entityType:action.
type PermissionDefinition struct {
	EntityType    string `json:"entityType" yaml:"entityType"`
	Action        string `json:"action" yaml:"action"`
	TenantID      string `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	PrincipalType string `json:"principalType,omitempty" yaml:"principalType,omitempty"`
	PrincipalID   string `json:"principalId,omitempty" yaml:"principalId,omitempty"`
	Allowed       bool   `json:"allowed" yaml:"allowed"`
	Condition     string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Active        bool   `json:"active" yaml:"active"`
}

// Key: ключ разрешения.
func (p PermissionDefinition) Key() string { return PermissionKey(p.EntityType, p.Action) }

// Name: идентификатор в реестре.
func (p PermissionDefinition) Name() string {
	parts := []string{p.Key()}
	if p.TenantID != "" {
		parts = append(parts, p.TenantID)
	}
	if p.PrincipalType != "" || p.PrincipalID != "" {
		parts = append(parts, p.PrincipalType+"="+p.PrincipalID)
	}
	return strings.Join(parts, "@")
}

// Типы принципалов PermissionDefinition.
const (
	PrincipalUser  = "user"
	PrincipalRole  = "role"
	PrincipalGroup = "group"
	PrincipalAny   = "any"
)

// SecurityGroup: именованный набор ключей разрешений для участников.
type SecurityGroup struct {
	Name        string   `json:"name" yaml:"name"`
	TenantID    string   `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Members     []string `json:"members" yaml:"members"`
	Active      bool     `json:"active" yaml:"active"`
}

// HasMember проверяет участника группы.
func (g SecurityGroup) HasMember(id string) bool {
	if id == "" {
		return false
	}
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// PluginBinding: запись о плагине в хранилище определений.
type PluginBinding struct {
	Name    string            `json:"name" yaml:"name"`
	Type    string            `json:"type" yaml:"type"`
	Trigger string            `json:"trigger" yaml:"trigger"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Config  map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// PermissionKey: каноничный ключ авторизации "entityType:action".
func PermissionKey(entityType, action string) string {
	return entityType + ":" + action
}

// Триггеры жизненного цикла.
func PreTrigger(action string) string  { return "pre_" + action }
func PostTrigger(action string) string { return "post_" + action }

// AppliesToTenant: пустой TenantID определения означает «для всех арендаторов».
func AppliesToTenant(defTenant, tenant string) bool {
	return defTenant == "" || defTenant == tenant
}
