// Package api реализует HTTP-поверхность рантайма на gin. CRUD и
// пользовательские действия идут через конвейер.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meridian/internal/pipeline"
	"meridian/internal/reference"
	"meridian/internal/registry"
	"meridian/internal/telemetry"
)

// Deps: зависимости HTTP-слоя.
type Deps struct {
	Registry *registry.Registry
	Pipeline *pipeline.Pipeline
	Catalog  *reference.Catalog
	// Reload перечитывает определения (линтер, затем атомарная замена).
	Reload      func(ctx context.Context) error
	Auth        *Auth
	Metrics     *telemetry.Metrics
	MetricsPath string
	Log         *slog.Logger
}

const loggerKey = "meridian.log"

func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Auth == nil {
		d.Auth = NewAuth("")
	}
	r := gin.New()
	r.Use(gin.Recovery(), observe(d.Log, d.Metrics))

	r.GET("/healthz", HealthHandler(d.Registry))
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(d.Metrics.Handler()))
	}

	// метаданные: без авторизации
	r.GET("/api/meta", MetaListHandler(d.Registry))
	r.GET("/api/meta/catalogs/:name", MetaCatalogHandler(d.Catalog))
	r.GET("/api/meta/:entity", MetaEntityHandler(d.Registry))

	apiGroup := r.Group("/api", d.Auth.Middleware())
	{
		apiGroup.POST("/:entity/_action/:name", ActionHandler(d.Pipeline))
		apiGroup.POST("/:entity", CreateHandler(d.Pipeline))
		apiGroup.GET("/:entity", ListHandler(d.Pipeline))
		apiGroup.GET("/:entity/:id", GetOneHandler(d.Pipeline))
		apiGroup.PUT("/:entity/:id", UpdateHandler(d.Pipeline))
		apiGroup.PATCH("/:entity/:id", PatchHandler(d.Pipeline))
		apiGroup.DELETE("/:entity/:id", DeleteHandler(d.Pipeline))
	}

	admin := r.Group("/admin", d.Auth.Middleware(), requireRole("admin"))
	{
		admin.POST("/reload", AdminReloadHandler(d.Registry, d.Reload, d.Metrics))
		admin.GET("/lint", AdminLintHandler(d.Registry))
	}
	return r
}

// observe пишет access-лог и HTTP-метрики.
func observe(log *slog.Logger, m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(loggerKey, log)
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		d := time.Since(start)
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), d)
		log.Debug("http request", "method", c.Request.Method, "route", route, "status", c.Writer.Status(), "duration", d)
	}
}

func logger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ectx := ectxOf(c); ectx == nil || !ectx.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED", "error": "admin role required"})
			return
		}
		c.Next()
	}
}

func HealthHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reg == nil || !reg.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": reg.Version()})
	}
}

// Serve запускает сервер и останавливает его по отмене ctx.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
