package sqlstore

import (
	"context"
	"fmt"
	"log/slog"

	"meridian/internal/meta"
	"meridian/internal/pg"
)

// OpenPostgres подключается через pgx и создаёт общую таблицу.
func OpenPostgres(ctx context.Context, url string, schemas Schemas, log *slog.Logger) (*Store, error) {
	db, err := pg.Open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.ApplyDDL(ctx, db, pg.BaseDDL(), log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(db, postgresDialect, schemas, log), nil
}

// SyncIndexes создаёт индексы по выражениям для indexed/unique полей.
// Для SQLite ничего не делает.
func (s *Store) SyncIndexes(ctx context.Context, defs []meta.EntityDefinition) error {
	if s.d.name != postgresDialect.name {
		return nil
	}
	ddl, err := pg.GenerateIndexDDL(defs)
	if err != nil {
		return err
	}
	return pg.ApplyDDL(ctx, s.db, ddl, s.log)
}
