package meta

import "fmt"

// ActionType: тег действия правила/шага.
type ActionType string

const (
	ActionSetVariable ActionType = "set_variable"
	ActionSetField    ActionType = "set_field"
	ActionValidate    ActionType = "validate"
	ActionTransform   ActionType = "transform"
	ActionLog         ActionType = "log"
	ActionMetadata    ActionType = "metadata"
)

// Builtin сообщает, что тип входит во встроенный набор.
func (t ActionType) Builtin() bool {
	switch t {
	case ActionSetVariable, ActionSetField, ActionValidate, ActionTransform, ActionLog, ActionMetadata:
		return true
	}
	return false
}

// Action: одно действие. Какие поля значимы, зависит от Type:
//
//	set_variable: Variable, Value
//	set_field:    Field, Value
//	validate:     Field, Message
//	transform:    Field, Transform (uppercase|lowercase|trim|title)
//	log:          Message, Level
//	metadata:     Key, Value
//
// Value вида "${expr}" вычисляется вычислителем условий, иначе это литерал.
// Params: для пользовательских типов действий.
type Action struct {
	Type      ActionType        `json:"type" yaml:"type"`
	Field     string            `json:"field,omitempty" yaml:"field,omitempty"`
	Variable  string            `json:"variable,omitempty" yaml:"variable,omitempty"`
	Key       string            `json:"key,omitempty" yaml:"key,omitempty"`
	Value     any               `json:"value,omitempty" yaml:"value,omitempty"`
	Message   string            `json:"message,omitempty" yaml:"message,omitempty"`
	Transform string            `json:"transform,omitempty" yaml:"transform,omitempty"`
	Level     string            `json:"level,omitempty" yaml:"level,omitempty"`
	Params    map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

func (a Action) String() string {
	switch a.Type {
	case ActionSetVariable:
		return fmt.Sprintf("%s(%s)", a.Type, a.Variable)
	case ActionSetField, ActionValidate, ActionTransform:
		return fmt.Sprintf("%s(%s)", a.Type, a.Field)
	case ActionMetadata:
		return fmt.Sprintf("%s(%s)", a.Type, a.Key)
	}
	return string(a.Type)
}
