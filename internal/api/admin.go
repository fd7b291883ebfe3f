package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meridian/internal/registry"
	"meridian/internal/telemetry"
)

// AdminReloadHandler перечитывает определения. Блокирующие проблемы линтера
// дают 400 и оставляют прежний снимок.
func AdminReloadHandler(reg *registry.Registry, reload func(ctx context.Context) error, m *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reload == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"code": "NOT_IMPLEMENTED", "error": "reload is not configured"})
			return
		}
		err := reload(c.Request.Context())
		m.RecordReload(err, reg.Version())

		var lerr *registry.LintError
		switch {
		case errors.As(err, &lerr):
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":     false,
				"code":   "INVALID_DEFINITION",
				"error":  "definitions rejected",
				"issues": lerr.Issues,
			})
			return
		case err != nil:
			logger(c).Error("reload failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "code": "INTERNAL", "error": err.Error()})
			return
		}

		warnings := make([]registry.Issue, 0)
		for _, i := range reg.Lint() {
			if !i.Blocking {
				warnings = append(warnings, i)
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"version":   reg.Version(),
			"entities":  len(reg.Entities()),
			"rules":     len(reg.Rules()),
			"workflows": len(reg.Workflows()),
			"warnings":  warnings,
		})
	}
}

// AdminLintHandler: все проблемы текущего снимка, включая предупреждения.
func AdminLintHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		issues := reg.Lint()
		if issues == nil {
			issues = []registry.Issue{}
		}
		c.JSON(http.StatusOK, gin.H{
			"issues":   issues,
			"blocking": len(registry.Blocking(issues)),
		})
	}
}
