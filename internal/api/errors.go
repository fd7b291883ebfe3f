package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"meridian/internal/meta"
)

// FieldError: ошибка поля в ответе 400.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// statusFor выбирает HTTP-статус по самой глубокой типизированной ошибке.
func statusFor(err error) int {
	if meta.IsCode(err, meta.CodeStageTimeout) {
		return http.StatusGatewayTimeout
	}
	root, ok := meta.Root(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch root.Code {
	case meta.CodeValidationFailed, meta.CodeInvalidDefinition:
		return http.StatusBadRequest
	case meta.CodePermissionDenied:
		return http.StatusForbidden
	case meta.CodeNotFound, meta.CodeDefinitionNotFound, meta.CodeInactiveDefinition:
		return http.StatusNotFound
	case meta.CodeVersionConflict:
		return http.StatusConflict
	case meta.CodeRegistryNotReady:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError: {"code": ..., "error": ..., "errors": [...]}.
// Для VALIDATION_FAILED отдаётся полная карта полей.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if root, ok := meta.Root(err); ok {
		body["code"] = root.Code
		body["error"] = root.Message
	}
	if me, ok := meta.AsCode(err, meta.CodeValidationFailed); ok {
		body["code"] = me.Code
		body["error"] = me.Message
		body["errors"] = fieldErrors(me.Fields)
		status = http.StatusBadRequest
	}
	if errors.Is(err, errBadJSON) {
		body["code"] = "BAD_REQUEST"
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		logger(c).Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(status, body)
}

var errBadJSON = errors.New("invalid JSON")

func fieldErrors(fields map[string]string) []FieldError {
	out := make([]FieldError, 0, len(fields))
	for f, m := range fields {
		out = append(out, FieldError{Field: f, Message: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
