// Package entity реализует generic-движок динамических сущностей: валидация по
// EntityDefinition, значения по умолчанию, вычисляемые поля и хранение
// через внешний Store.
package entity

import (
	"time"

	"meridian/internal/value"
)

// DynamicEntity: запись произвольного типа, описанного в метаданных.
type DynamicEntity struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entityType"`
	TenantID   string            `json:"tenantId"`
	Attributes value.Attributes  `json:"attributes"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Active     bool              `json:"active"`
	Version    int64             `json:"version"`
	CreatedBy  string            `json:"createdBy,omitempty"`
	UpdatedBy  string            `json:"updatedBy,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Clone: глубокая копия атрибутов и метаданных.
func (e *DynamicEntity) Clone() *DynamicEntity {
	if e == nil {
		return nil
	}
	out := *e
	out.Attributes = e.Attributes.Clone()
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Flatten: плоское представление для API, системные поля + атрибуты.
func (e *DynamicEntity) Flatten() map[string]any {
	out := e.Attributes.Native()
	out["id"] = e.ID
	out["version"] = e.Version
	out["createdAt"] = e.CreatedAt
	out["updatedAt"] = e.UpdatedAt
	return out
}

// Системные ключи, которые клиент не задаёт.
var systemKeys = []string{"id", "version", "tenantId", "entityType", "createdAt", "updatedAt", "createdBy", "updatedBy"}
