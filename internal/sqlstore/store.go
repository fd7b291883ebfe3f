// Package sqlstore хранит динамические сущности в одной SQL-таблице
// (Postgres через pgx или встроенный SQLite).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
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
	db      *sql.DB
	d       dialect
	schemas Schemas
	log     *slog.Logger

	idMu    sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func newStore(db *sql.DB, d dialect, schemas Schemas, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:      db,
		d:       d,
		schemas: schemas,
		log:     log,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() string { return s.d.name }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) newID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

const columns = `id, tenant_id, entity_type, attributes, metadata, active, version, created_by, updated_by, created_at, updated_at`

func (s *Store) Save(ctx context.Context, e *entity.DynamicEntity) (*entity.DynamicEntity, error) {
	attrs, err := value.EncodeTagged(e.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	md, err := encodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if e.ID == "" {
		rec := e.Clone()
		rec.ID = s.newID(now)
		rec.Version = 1
		rec.CreatedAt, rec.UpdatedAt = now, now
		a := &args{d: s.d}
		q := fmt.Sprintf(`INSERT INTO entities (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`, columns,
			a.add(rec.ID), a.add(rec.TenantID), a.add(rec.EntityType), a.add(string(attrs)), a.add(md),
			a.add(rec.Active), a.add(rec.Version), a.add(rec.CreatedBy), a.add(rec.UpdatedBy),
			a.add(s.d.timeArg(now)), a.add(s.d.timeArg(now)))
		if _, err := s.db.ExecContext(ctx, q, a.vals...); err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		return rec, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	a := &args{d: s.d}
	q := fmt.Sprintf(`UPDATE entities SET attributes = %s, metadata = %s, active = %s, version = version + 1, updated_by = %s, updated_at = %s
WHERE id = %s AND tenant_id = %s AND version = %s`,
		a.add(string(attrs)), a.add(md), a.add(e.Active), a.add(e.UpdatedBy), a.add(s.d.timeArg(now)),
		a.add(e.ID), a.add(e.TenantID), a.add(e.Version))
	res, err := tx.ExecContext(ctx, q, a.vals...)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// строки нет или версия ушла вперёд
		if _, err := s.findByID(ctx, tx, e.ID, e.TenantID); err != nil {
			return nil, err
		}
		return nil, entity.ErrVersionConflict
	}
	rec, err := s.findByID(ctx, tx, e.ID, e.TenantID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) FindByID(ctx context.Context, id, tenantID string) (*entity.DynamicEntity, error) {
	return s.findByID(ctx, s.db, id, tenantID)
}

func (s *Store) findByID(ctx context.Context, q querier, id, tenantID string) (*entity.DynamicEntity, error) {
	a := &args{d: s.d}
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM entities WHERE id = %s AND tenant_id = %s`,
		columns, a.add(id), a.add(tenantID)), a.vals...)
	rec, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	return rec, err
}

// FindByTypeAndTenant выбирает записи арендатора и типа в SQL, а фильтры,
// сортировку и страницы применяет entity.Apply, как и хранилище в памяти.
func (s *Store) FindByTypeAndTenant(ctx context.Context, entityType, tenantID string, q entity.Query) (entity.Page, error) {
	a := &args{d: s.d}
	sqlText := fmt.Sprintf(`SELECT %s FROM entities WHERE tenant_id = %s AND entity_type = %s`,
		columns, a.add(tenantID), a.add(entityType))
	if !q.IncludeInactive {
		sqlText += " AND active = " + a.add(true)
	}
	sqlText += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, sqlText, a.vals...)
	if err != nil {
		return entity.Page{}, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var items []*entity.DynamicEntity
	for rows.Next() {
		rec, err := scanEntity(rows)
		if err != nil {
			return entity.Page{}, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return entity.Page{}, err
	}
	var def *meta.EntityDefinition
	if s.schemas != nil {
		def, _ = s.schemas.Entity(entityType)
	}
	return entity.Apply(items, def, q), nil
}

func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	a := &args{d: s.d}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM entities WHERE id = %s AND tenant_id = %s`,
		a.add(id), a.add(tenantID)), a.vals...)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entity.ErrNotFound
	}
	return nil
}

// ExistsWithValue сравнивает текстовое значение атрибута в SQL. Десятичные
// сравниваются численно в Go: "12.5" и "12.50", одно значение.
func (s *Store) ExistsWithValue(ctx context.Context, entityType, tenantID, field string, v value.Value, excludeID string) (bool, error) {
	a := &args{d: s.d}
	where := fmt.Sprintf(`tenant_id = %s AND entity_type = %s AND active = %s AND id <> %s`,
		a.add(tenantID), a.add(entityType), a.add(true), a.add(excludeID))

	if _, isDec := v.(value.Decimal); !isDec {
		q := fmt.Sprintf(`SELECT 1 FROM entities WHERE %s AND %s = %s LIMIT 1`, where, s.d.attrExpr(field), a.add(v.String()))
		var one int
		err := s.db.QueryRowContext(ctx, q, a.vals...).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT attributes FROM entities WHERE %s AND %s IS NOT NULL`,
		where, s.d.attrExpr(field)), a.vals...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(jsonText{&raw}); err != nil {
			return false, err
		}
		attrs, err := value.DecodeTagged(raw)
		if err != nil {
			return false, err
		}
		if value.Equal(attrs.Get(field), v) {
			return true, nil
		}
	}
	return false, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (*entity.DynamicEntity, error) {
	var (
		rec       entity.DynamicEntity
		attrs, md []byte
	)
	err := sc.Scan(&rec.ID, &rec.TenantID, &rec.EntityType, jsonText{&attrs}, jsonText{&md},
		&rec.Active, &rec.Version, &rec.CreatedBy, &rec.UpdatedBy,
		scanTime{&rec.CreatedAt}, scanTime{&rec.UpdatedAt})
	if err != nil {
		return nil, err
	}
	if rec.Attributes, err = value.DecodeTagged(attrs); err != nil {
		return nil, fmt.Errorf("entity %s: %w", rec.ID, err)
	}
	if len(md) > 0 && strings.TrimSpace(string(md)) != "{}" {
		if err := json.Unmarshal(md, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("entity %s metadata: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

var (
	_ entity.Store         = (*Store)(nil)
	_ entity.UniqueChecker = (*Store)(nil)
)
