package entity

import (
	"context"
	"errors"

	"meridian/internal/value"
)

// Ошибки хранилища. Движок переводит их в коды meta.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrVersionConflict = errors.New("entity version conflict")
)

// Store: внешнее хранилище динамических сущностей.
//
// Save с пустым ID вставляет запись: назначает ID, Version=1 и метки времени.
// Save с ID обновляет запись, если её сохранённая версия равна e.Version,
// иначе ErrVersionConflict; версия увеличивается на единицу.
// Все методы изолированы по арендатору: запись чужого арендатора, ErrNotFound.
type Store interface {
	Save(ctx context.Context, e *DynamicEntity) (*DynamicEntity, error)
	FindByID(ctx context.Context, id, tenantID string) (*DynamicEntity, error)
	FindByTypeAndTenant(ctx context.Context, entityType, tenantID string, q Query) (Page, error)
	Delete(ctx context.Context, id, tenantID string) error
}

// UniqueChecker: необязательная возможность хранилища, проверка уникальности
// значения поля среди активных записей типа.
type UniqueChecker interface {
	ExistsWithValue(ctx context.Context, entityType, tenantID, field string, v value.Value, excludeID string) (bool, error)
}

// Page: страница результатов.
type Page struct {
	Items  []*DynamicEntity `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}
