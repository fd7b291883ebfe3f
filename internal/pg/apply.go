package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Коды Postgres, при которых объект уже создан.
const (
	codeDuplicateObject = "42710"
	codeDuplicateTable  = "42P07"
)

// ApplyDDL выполняет map[key]sql по возрастанию ключа. Ожидается идемпотентный
// DDL (create ... if not exists); «уже существует» пропускается.
func ApplyDDL(ctx context.Context, db *sql.DB, ddl map[string]string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	keys := make([]string, 0, len(ddl))
	for k := range ddl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sqlText := strings.TrimSpace(ddl[k])
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == codeDuplicateObject || pgErr.Code == codeDuplicateTable) {
				log.Debug("DDL skipped (already exists)", "key", k, "msg", pgErr.Message)
				continue
			}
			return fmt.Errorf("DDL apply %s: %w", k, err)
		}
		log.Debug("DDL applied", "key", k)
	}
	return nil
}
