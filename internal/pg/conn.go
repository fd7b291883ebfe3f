// Package pg открывает подключение к Postgres и строит DDL для хранилища сущностей.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// AppName попадает в pg_stat_activity, если URL не задаёт application_name.
const AppName = "meridian"

type poolConfig struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	pingTimeout time.Duration
}

type Option func(*poolConfig)

func WithMaxOpenConns(n int) Option              { return func(c *poolConfig) { c.maxOpen = n } }
func WithPingTimeout(d time.Duration) Option     { return func(c *poolConfig) { c.pingTimeout = d } }
func WithConnMaxLifetime(d time.Duration) Option { return func(c *poolConfig) { c.maxLifetime = d } }

// Open разбирает URL через pgx, открывает database/sql поверх pgx/stdlib и
// проверяет соединение. Ошибка ping называет хост, но не пароль.
func Open(ctx context.Context, url string, opts ...Option) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if _, ok := connCfg.RuntimeParams["application_name"]; !ok {
		connCfg.RuntimeParams["application_name"] = AppName
	}

	pc := poolConfig{maxOpen: 10, maxIdle: 5, maxLifetime: 30 * time.Minute, pingTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&pc)
	}
	if pc.maxIdle > pc.maxOpen {
		pc.maxIdle = pc.maxOpen
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(pc.maxOpen)
	db.SetMaxIdleConns(pc.maxIdle)
	db.SetConnMaxLifetime(pc.maxLifetime)

	pctx, cancel := context.WithTimeout(ctx, pc.pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d/%s: %w", connCfg.Host, connCfg.Port, connCfg.Database, err)
	}
	return db, nil
}
