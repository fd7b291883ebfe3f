package meta

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode: категория ошибки рантайма.
type ErrorCode string

const (
	CodeDefinitionNotFound      ErrorCode = "DEFINITION_NOT_FOUND"
	CodeInactiveDefinition      ErrorCode = "INACTIVE_DEFINITION"
	CodeInvalidDefinition       ErrorCode = "INVALID_DEFINITION"
	CodeValidationFailed        ErrorCode = "VALIDATION_FAILED"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeVersionConflict         ErrorCode = "VERSION_CONFLICT"
	CodePermissionDenied        ErrorCode = "PERMISSION_DENIED"
	CodeRuleExecutionFailed     ErrorCode = "RULE_EXECUTION_FAILED"
	CodeWorkflowExecutionFailed ErrorCode = "WORKFLOW_EXECUTION_FAILED"
	CodePluginExecutionFailed   ErrorCode = "PLUGIN_EXECUTION_FAILED"
	CodePipelineExecutionError  ErrorCode = "PIPELINE_EXECUTION_ERROR"
	CodeStageTimeout            ErrorCode = "STAGE_TIMEOUT"
	CodeRegistryNotReady        ErrorCode = "REGISTRY_NOT_READY"
)

// Error: типизированная ошибка рантайма.
type Error struct {
	Code    ErrorCode
	Message string

	// Entity: тип сущности, к которой относится ошибка.
	Entity string
	// Name: имя правила, workflow, плагина, шага или ключ разрешения.
	Name string
	// Fields: полная карта ошибок полей (только для VALIDATION_FAILED).
	Fields map[string]string
	// Err: исходная причина.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Entity != "" || e.Name != "" {
		var ctx []string
		if e.Entity != "" {
			ctx = append(ctx, "entity="+e.Entity)
		}
		if e.Name != "" {
			ctx = append(ctx, "name="+e.Name)
		}
		b.WriteString(" (" + strings.Join(ctx, ", ") + ")")
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		b.WriteString(" [" + strings.Join(parts, "; ") + "]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode проходит по всей цепочке обёрток: PIPELINE_EXECUTION_ERROR над
// RULE_EXECUTION_FAILED над VALIDATION_FAILED совпадает с каждым из кодов.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var me *Error
		if !errors.As(err, &me) {
			return false
		}
		if me.Code == code {
			return true
		}
		err = me.Err
	}
	return false
}

// AsCode возвращает первую ошибку с данным кодом в цепочке.
func AsCode(err error, code ErrorCode) (*Error, bool) {
	for err != nil {
		var me *Error
		if !errors.As(err, &me) {
			return nil, false
		}
		if me.Code == code {
			return me, true
		}
		err = me.Err
	}
	return nil, false
}

// Root возвращает самую глубокую *Error в цепочке (для HTTP-статусов).
func Root(err error) (*Error, bool) {
	var last *Error
	for err != nil {
		var me *Error
		if !errors.As(err, &me) {
			break
		}
		last = me
		err = me.Err
	}
	return last, last != nil
}

func DefinitionNotFound(kind, name string) *Error {
	return &Error{Code: CodeDefinitionNotFound, Message: kind + " definition not found", Name: name}
}

func InactiveDefinition(kind, name string) *Error {
	return &Error{Code: CodeInactiveDefinition, Message: kind + " definition is inactive", Name: name}
}

func InvalidDefinition(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidDefinition, Message: fmt.Sprintf(format, args...)}
}

func ValidationFailed(entity string, fields map[string]string) *Error {
	return &Error{Code: CodeValidationFailed, Message: "validation failed", Entity: entity, Fields: fields}
}

func NotFound(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Message: "entity not found", Entity: entity, Name: id}
}

func VersionConflict(entity, id string, err error) *Error {
	return &Error{Code: CodeVersionConflict, Message: "entity was modified concurrently", Entity: entity, Name: id, Err: err}
}

func PermissionDenied(entity, action string) *Error {
	return &Error{Code: CodePermissionDenied, Message: "permission denied", Entity: entity, Name: PermissionKey(entity, action)}
}

func RuleExecutionFailed(rule string, err error) *Error {
	return &Error{Code: CodeRuleExecutionFailed, Message: "rule execution failed", Name: rule, Err: err}
}

func WorkflowExecutionFailed(workflow, step string, err error) *Error {
	return &Error{Code: CodeWorkflowExecutionFailed, Message: "workflow step " + step + " failed", Name: workflow, Err: err}
}

func PluginExecutionFailed(plugin string, err error) *Error {
	return &Error{Code: CodePluginExecutionFailed, Message: "plugin execution failed", Name: plugin, Err: err}
}

func PipelineExecutionError(entity, action string, err error) *Error {
	return &Error{Code: CodePipelineExecutionError, Message: "pipeline " + action + " failed", Entity: entity, Err: err}
}

func StageTimeout(stage string, err error) *Error {
	return &Error{Code: CodeStageTimeout, Message: "stage deadline exceeded", Name: stage, Err: err}
}

func RegistryNotReady() *Error {
	return &Error{Code: CodeRegistryNotReady, Message: "metadata registry is not initialized"}
}
