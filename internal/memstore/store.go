// Package memstore хранит сущности в памяти процесса.
package memstore

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"meridian/internal/entity"
	"meridian/internal/meta"
	"meridian/internal/value"
)

// Schemas отдаёт определение типа для типизированной фильтрации листинга.
type Schemas interface {
	Entity(name string) (*meta.EntityDefinition, error)
}

type Store struct {
	mu      sync.RWMutex
	records map[string]*entity.DynamicEntity // id -> запись
	schemas Schemas
	entropy io.Reader
	now     func() time.Time
}

func New(schemas Schemas) *Store {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Store{
		records: map[string]*entity.DynamicEntity{},
		schemas: schemas,
		entropy: ulid.Monotonic(src, 0),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// newID вызывается под mu: монотонный источник не потокобезопасен.
func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func (s *Store) Save(ctx context.Context, e *entity.DynamicEntity) (*entity.DynamicEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := e.Clone()
	if rec.ID == "" {
		rec.ID = s.newID()
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		s.records[rec.ID] = rec
		return rec.Clone(), nil
	}
	cur, ok := s.records[rec.ID]
	if !ok || cur.TenantID != rec.TenantID {
		return nil, entity.ErrNotFound
	}
	if cur.Version != rec.Version {
		return nil, entity.ErrVersionConflict
	}
	rec.Version = cur.Version + 1
	rec.CreatedAt = cur.CreatedAt
	rec.CreatedBy = cur.CreatedBy
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *Store) FindByID(ctx context.Context, id, tenantID string) (*entity.DynamicEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return nil, entity.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) FindByTypeAndTenant(ctx context.Context, entityType, tenantID string, q entity.Query) (entity.Page, error) {
	if err := ctx.Err(); err != nil {
		return entity.Page{}, err
	}
	var def *meta.EntityDefinition
	if s.schemas != nil {
		def, _ = s.schemas.Entity(entityType)
	}
	s.mu.RLock()
	items := make([]*entity.DynamicEntity, 0)
	for _, rec := range s.records {
		if rec.EntityType == entityType && rec.TenantID == tenantID {
			items = append(items, rec.Clone())
		}
	}
	s.mu.RUnlock()
	return entity.Apply(items, def, q), nil
}

// Delete удаляет запись физически; движок сущностей использует мягкое удаление.
func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return entity.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *Store) ExistsWithValue(ctx context.Context, entityType, tenantID, field string, v value.Value, excludeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, rec := range s.records {
		if id == excludeID || !rec.Active || rec.EntityType != entityType || rec.TenantID != tenantID {
			continue
		}
		if value.Equal(rec.Attributes.Get(field), v) {
			return true, nil
		}
	}
	return false, nil
}

// Len: число записей (включая мягко удалённые).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var (
	_ entity.Store         = (*Store)(nil)
	_ entity.UniqueChecker = (*Store)(nil)
)
