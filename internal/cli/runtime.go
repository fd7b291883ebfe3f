package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"meridian/internal/api"
	"meridian/internal/condition"
	"meridian/internal/config"
	"meridian/internal/dsl"
	"meridian/internal/entity"
	"meridian/internal/memstore"
	"meridian/internal/permission"
	"meridian/internal/pipeline"
	"meridian/internal/plugin"
	"meridian/internal/reference"
	"meridian/internal/registry"
	"meridian/internal/rules"
	"meridian/internal/sqlstore"
	"meridian/internal/telemetry"
	"meridian/internal/workflow"
)

// Runtime: собранный сервер с реестром, движками, хранилищем и конвейером.
type Runtime struct {
	Config   config.Config
	Source   *dsl.DirSource
	Registry *registry.Registry
	Catalog  *reference.Catalog
	Eval     *condition.Evaluator
	Plugins  *plugin.Registry
	Store    entity.Store
	Pipeline *pipeline.Pipeline
	Metrics  *telemetry.Metrics

	sql *sqlstore.Store
	log *slog.Logger
}

// Build открывает хранилище, регистрирует хуки перезагрузки и загружает
// определения. Реестр готов, если Build вернул nil.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*Runtime, error) {
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:   cfg,
		Source:   dsl.NewDirSource(cfg.DefinitionsDir),
		Registry: registry.New(log),
		Catalog:  reference.NewCatalog(nil),
		Eval:     condition.NewEvaluator(condition.WithLogger(log)),
		Plugins:  plugin.NewRegistry(log),
		Metrics:  telemetry.NewMetrics("meridian"),
		log:      log,
	}
	if err := plugin.RegisterBuiltins(rt.Plugins, log); err != nil {
		return nil, err
	}
	if err := rt.loadCatalog(); err != nil {
		return nil, err
	}
	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}

	actions := rules.NewActionExecutor(rt.Eval, rules.WithExecutorLogger(log))
	rt.Pipeline = pipeline.New(rt.Registry, pipeline.Engines{
		Entities:    entity.NewEngine(rt.Registry, rt.Store, entity.NewValidator(rt.Catalog), rt.Eval, entity.WithLogger(log)),
		Rules:       rules.NewEngine(rt.Eval, actions, log),
		Workflows:   workflow.NewEngine(rt.Eval, actions, log),
		Permissions: permission.NewEngine(rt.Eval, log),
		Plugins:     plugin.NewEngine(rt.Plugins, log),
	},
		pipeline.WithLogger(log),
		pipeline.WithTracer(telemetry.NewTracer(nil)),
		pipeline.WithMetrics(rt.Metrics),
		pipeline.WithStageTimeout(timeout),
	)

	rt.Registry.OnReload(rt.afterReload)
	if err := rt.Registry.Init(ctx, rt.Source); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("load definitions from %s: %w", cfg.DefinitionsDir, err)
	}
	rt.Metrics.RecordReload(nil, rt.Registry.Version())
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) error {
	var err error
	switch rt.Config.Store {
	case config.StoreSQLite:
		rt.sql, err = sqlstore.OpenSQLite(ctx, rt.Config.SQLitePath, rt.Registry, rt.log)
	case config.StorePostgres:
		rt.sql, err = sqlstore.OpenPostgres(ctx, rt.Config.DBURL, rt.Registry, rt.log)
	default:
		rt.Store = memstore.New(rt.Registry)
		return nil
	}
	if err != nil {
		return err
	}
	rt.Store = rt.sql
	rt.log.Info("entity store opened", "driver", rt.sql.Dialect())
	return nil
}

// loadCatalog читает справочники; отсутствующий каталог, пустой набор.
func (rt *Runtime) loadCatalog() error {
	dir := rt.Config.EnumsDir
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		rt.log.Warn("enum catalogs directory not found", "dir", dir)
		return nil
	}
	if err := rt.Catalog.Reload(dir); err != nil {
		return fmt.Errorf("load enum catalogs: %w", err)
	}
	rt.log.Info("enum catalogs loaded", "count", len(rt.Catalog.Names()))
	return nil
}

// afterReload сбрасывает производное от прежнего снимка состояние.
func (rt *Runtime) afterReload(ctx context.Context, reg *registry.Registry) error {
	rt.Eval.ClearCache()
	var errs []error
	if err := rt.Plugins.Reload(ctx, reg.PluginBindings()); err != nil {
		errs = append(errs, fmt.Errorf("plugins: %w", err))
	}
	if err := rt.loadCatalog(); err != nil {
		errs = append(errs, err)
	}
	if rt.sql != nil && rt.Config.AutoMigrate {
		if err := rt.sql.SyncIndexes(ctx, reg.Entities()); err != nil {
			errs = append(errs, fmt.Errorf("sync indexes: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Reload перечитывает каталог определений целиком.
func (rt *Runtime) Reload(ctx context.Context) error {
	return rt.Registry.ReloadAll(ctx, rt.Source)
}

// Handler: HTTP-роутер; пустой MetricsPath отключает /metrics.
func (rt *Runtime) Handler() http.Handler {
	metrics := rt.Metrics
	if rt.Config.MetricsPath == "" {
		metrics = nil
	}
	return api.NewRouter(api.Deps{
		Registry:    rt.Registry,
		Pipeline:    rt.Pipeline,
		Catalog:     rt.Catalog,
		Reload:      rt.Reload,
		Auth:        rt.auth(),
		Metrics:     metrics,
		MetricsPath: rt.Config.MetricsPath,
		Log:         rt.log,
	})
}

func (rt *Runtime) auth() *api.Auth {
	if strings.EqualFold(rt.Config.AuthMode, config.AuthHeaders) {
		return api.NewHeaderAuth()
	}
	return api.NewAuth(rt.Config.JWTSecret)
}

// Watch перезагружает определения при изменении файлов до отмены ctx.
func (rt *Runtime) Watch(ctx context.Context) error {
	w := dsl.NewWatcher(rt.Source, func(ctx context.Context) error {
		err := rt.Reload(ctx)
		rt.Metrics.RecordReload(err, rt.Registry.Version())
		return err
	}, dsl.WithWatchLogger(rt.log))
	return w.Run(ctx)
}

func (rt *Runtime) Close(ctx context.Context) error {
	errs := []error{rt.Plugins.Close(ctx)}
	if rt.sql != nil {
		errs = append(errs, rt.sql.Close())
	}
	return errors.Join(errs...)
}
