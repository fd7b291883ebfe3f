// Package execution содержит контекст одного вызова конвейера.
//
// Context принадлежит ровно одному вызову и одной горутине: внутренних
// блокировок нет, разделять его между вызовами нельзя.
package execution

import (
	"github.com/google/uuid"

	"meridian/internal/value"
)

// Context: изменяемый носитель идентичности и состояния вызова.
type Context struct {
	TenantID  string
	UserID    string
	SessionID string
	RequestID string
	Roles     []string

	CurrentEntity string
	CurrentAction string

	Variables   value.Attributes
	Metadata    map[string]string
	Permissions map[string]bool

	validationErrors map[string]string
	validationOrder  []string
	validationFailed bool
}

// Option настраивает Context при создании.
type Option func(*Context)

func WithSession(id string) Option { return func(c *Context) { c.SessionID = id } }
func WithRequest(id string) Option { return func(c *Context) { c.RequestID = id } }
func WithRoles(roles ...string) Option {
	return func(c *Context) { c.Roles = append(c.Roles, roles...) }
}

// WithPermissions выдаёт ключи разрешений сразу при создании.
func WithPermissions(keys ...string) Option {
	return func(c *Context) {
		for _, k := range keys {
			c.Permissions[k] = true
		}
	}
}

// New создаёт контекст; session/request id генерируются как UUIDv7, если не заданы.
func New(tenantID, userID string, opts ...Option) *Context {
	c := &Context{
		TenantID:         tenantID,
		UserID:           userID,
		Variables:        value.Attributes{},
		Metadata:         map[string]string{},
		Permissions:      map[string]bool{},
		validationErrors: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.SessionID == "" {
		c.SessionID = newID()
	}
	if c.RequestID == "" {
		c.RequestID = newID()
	}
	return c
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Context) SetVariable(name string, v value.Value) {
	if c.Variables == nil {
		c.Variables = value.Attributes{}
	}
	c.Variables[name] = v
}

func (c *Context) Variable(name string) value.Value {
	return c.Variables.Get(name)
}

func (c *Context) SetMetadata(key, v string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = v
}

// AddValidationError записывает ошибку поля и помечает вызов как невалидный.
// Повторная ошибка того же поля заменяет сообщение, порядок сохраняется.
func (c *Context) AddValidationError(field, message string) {
	if c.validationErrors == nil {
		c.validationErrors = map[string]string{}
	}
	if _, seen := c.validationErrors[field]; !seen {
		c.validationOrder = append(c.validationOrder, field)
	}
	c.validationErrors[field] = message
	c.validationFailed = true
}

func (c *Context) ValidationFailed() bool { return c.validationFailed }

// ValidationErrors: копия накопленных ошибок.
func (c *Context) ValidationErrors() map[string]string {
	out := make(map[string]string, len(c.validationErrors))
	for k, v := range c.validationErrors {
		out[k] = v
	}
	return out
}

// ValidationFields: поля с ошибками в порядке появления.
func (c *Context) ValidationFields() []string {
	return append([]string(nil), c.validationOrder...)
}

func (c *Context) ClearValidation() {
	c.validationErrors = map[string]string{}
	c.validationOrder = nil
	c.validationFailed = false
}

// Grant и Revoke меняют только набор разрешений контекста.
func (c *Context) Grant(key string) {
	if c.Permissions == nil {
		c.Permissions = map[string]bool{}
	}
	c.Permissions[key] = true
}

func (c *Context) Revoke(key string) {
	if c.Permissions == nil {
		return
	}
	c.Permissions[key] = false
}

// Granted: ключ явно присутствует и равен true.
func (c *Context) Granted(key string) bool {
	return c.Permissions[key]
}

func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
