// Package permission авторизует пары (entityType, action) по набору
// разрешений контекста и загружает условные выдачи из определений.
package permission

import (
	"log/slog"
	"strings"

	"meridian/internal/condition"
	"meridian/internal/execution"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// Wildcard покрывает все действия над типом, например "Invoice:*".
const Wildcard = "*"

// Definitions: то, что движку нужно от реестра.
type Definitions interface {
	Permissions() []meta.PermissionDefinition
	SecurityGroups() []meta.SecurityGroup
}

type Engine struct {
	eval *condition.Evaluator
	log  *slog.Logger
}

func NewEngine(eval *condition.Evaluator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{eval: eval, log: log}
}

// HasPermission истинно только при явной выдаче. Явный отзыв ключа
// сильнее выдачи по wildcard.
func (e *Engine) HasPermission(entityType, action string, ectx *execution.Context) bool {
	if ectx == nil {
		return false
	}
	key := meta.PermissionKey(entityType, action)
	if v, ok := ectx.Permissions[key]; ok {
		return v
	}
	return ectx.Granted(meta.PermissionKey(entityType, Wildcard))
}

func (e *Engine) EnforcePermission(entityType, action string, ectx *execution.Context) error {
	if !e.HasPermission(entityType, action, ectx) {
		e.log.Info("permission denied", "key", meta.PermissionKey(entityType, action), "user", userOf(ectx))
		return meta.PermissionDenied(entityType, action)
	}
	return nil
}

func (e *Engine) GrantPermission(entityType, action string, ectx *execution.Context) {
	ectx.Grant(meta.PermissionKey(entityType, action))
}

func (e *Engine) RevokePermission(entityType, action string, ectx *execution.Context) {
	ectx.Revoke(meta.PermissionKey(entityType, action))
}

// EvaluatePermission применяет определение к контексту, если оно активно
// и его условие выполнено.
func (e *Engine) EvaluatePermission(def meta.PermissionDefinition, data value.Attributes, ectx *execution.Context) {
	if !def.Active {
		return
	}
	if !e.eval.Evaluate(def.Condition, data, ectx) {
		return
	}
	if def.Allowed {
		ectx.Grant(def.Key())
	} else {
		ectx.Revoke(def.Key())
	}
}

// LoadSecurityGroupPermissions выдаёт все ключи активной группы её участнику.
func (e *Engine) LoadSecurityGroupPermissions(group meta.SecurityGroup, ectx *execution.Context) {
	e.loadGroup(group, "", ectx)
}

func (e *Engine) loadGroup(group meta.SecurityGroup, entityType string, ectx *execution.Context) {
	if !group.Active || !group.HasMember(ectx.UserID) {
		return
	}
	for _, p := range group.Permissions {
		ectx.Grant(canonicalKey(p, entityType))
	}
}

// canonicalKey переписывает ключ типа entityType, записанный в другом
// регистре, в каноническом имени типа. Остальные ключи не меняются.
func canonicalKey(key, entityType string) string {
	typ, action, ok := strings.Cut(key, ":")
	if !ok || entityType == "" || !strings.EqualFold(strings.TrimSpace(typ), entityType) {
		return key
	}
	return meta.PermissionKey(entityType, strings.TrimSpace(action))
}

// LoadGrants собирает разрешения пользователя для entityType (пустой, все типы):
// сначала группы арендатора, затем выдачи из определений, затем отзывы.
// Отзывы идут последними, поэтому запрет сильнее выдачи. Тип сравнивается без
// учёта регистра, ключи выдаются с entityType в том виде, в каком он передан.
func (e *Engine) LoadGrants(defs Definitions, entityType string, data value.Attributes, ectx *execution.Context) {
	groups := defs.SecurityGroups()
	for _, g := range groups {
		if meta.AppliesToTenant(g.TenantID, ectx.TenantID) {
			e.loadGroup(g, entityType, ectx)
		}
	}
	var denies []meta.PermissionDefinition
	for _, d := range defs.Permissions() {
		if !d.Active || !meta.AppliesToTenant(d.TenantID, ectx.TenantID) {
			continue
		}
		if entityType != "" && !strings.EqualFold(d.EntityType, entityType) {
			continue
		}
		if !principalMatches(d, groups, ectx) {
			continue
		}
		if entityType != "" {
			d.EntityType = entityType
		}
		if !d.Allowed {
			denies = append(denies, d)
			continue
		}
		e.EvaluatePermission(d, data, ectx)
	}
	for _, d := range denies {
		e.EvaluatePermission(d, data, ectx)
	}
}

func principalMatches(d meta.PermissionDefinition, groups []meta.SecurityGroup, ectx *execution.Context) bool {
	switch strings.ToLower(d.PrincipalType) {
	case "", meta.PrincipalAny:
		return true
	case meta.PrincipalUser:
		return d.PrincipalID != "" && d.PrincipalID == ectx.UserID
	case meta.PrincipalRole:
		return ectx.HasRole(d.PrincipalID)
	case meta.PrincipalGroup:
		if ectx.HasRole(d.PrincipalID) {
			return true
		}
		for _, g := range groups {
			if g.Name == d.PrincipalID && g.Active && meta.AppliesToTenant(g.TenantID, ectx.TenantID) && g.HasMember(ectx.UserID) {
				return true
			}
		}
	}
	return false
}

func userOf(ectx *execution.Context) string {
	if ectx == nil {
		return ""
	}
	return ectx.UserID
}
