package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"meridian/internal/entity"
	"meridian/internal/pipeline"
	"meridian/internal/value"
)

// POST /api/:entity
func CreateHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		attrs, err := readBody(c)
		if err != nil {
			writeError(c, err)
			return
		}
		res, err := p.Execute(c.Request.Context(), pipeline.ActionCreate, c.Param("entity"), attrs, ectxOf(c))
		if err != nil {
			writeError(c, err)
			return
		}
		writeEntity(c, http.StatusCreated, res.Entity)
	}
}

// GET /api/:entity?_limit=&_offset=&_sort=&field__op=
func ListHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := entity.ParseQuery(c.Request.URL.Query())
		res, err := p.Execute(c.Request.Context(), pipeline.ActionFind, c.Param("entity"), nil, ectxOf(c), pipeline.WithQuery(q))
		if err != nil {
			writeError(c, err)
			return
		}
		page := res.Page
		if page == nil {
			page = &entity.Page{}
		}
		items := make([]map[string]any, 0, len(page.Items))
		for _, e := range page.Items {
			items = append(items, e.Flatten())
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "total": page.Total, "limit": page.Limit, "offset": page.Offset})
	}
}

// GET /api/:entity/:id
func GetOneHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := value.Attributes{"id": value.String(c.Param("id"))}
		res, err := p.Execute(c.Request.Context(), pipeline.ActionFind, c.Param("entity"), data, ectxOf(c))
		if err != nil {
			writeError(c, err)
			return
		}
		writeEntity(c, http.StatusOK, res.Entity)
	}
}

// PUT /api/:entity/:id, полная замена атрибутов.
// Ожидаемая версия: If-Match или body.version.
func UpdateHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return updateHandler(p)
}

// PATCH /api/:entity/:id, patch поверх текущих атрибутов.
func PatchHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return updateHandler(p, pipeline.WithPatch())
}

func updateHandler(p *pipeline.Pipeline, opts ...pipeline.CallOption) gin.HandlerFunc {
	return func(c *gin.Context) {
		attrs, err := readBody(c)
		if err != nil {
			writeError(c, err)
			return
		}
		attrs["id"] = value.String(c.Param("id"))
		if v, ok := ifMatch(c); ok {
			attrs["version"] = value.Int(v)
		}
		res, err := p.Execute(c.Request.Context(), pipeline.ActionUpdate, c.Param("entity"), attrs, ectxOf(c), opts...)
		if err != nil {
			writeError(c, err)
			return
		}
		writeEntity(c, http.StatusOK, res.Entity)
	}
}

// DELETE /api/:entity/:id, мягкое удаление.
func DeleteHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := value.Attributes{"id": value.String(c.Param("id"))}
		if _, err := p.Execute(c.Request.Context(), pipeline.ActionDelete, c.Param("entity"), data, ectxOf(c)); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// POST /api/:entity/_action/:name, пользовательское действие.
func ActionHandler(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		attrs, err := readBody(c)
		if err != nil {
			writeError(c, err)
			return
		}
		name := c.Param("name")
		res, err := p.Execute(c.Request.Context(), name, c.Param("entity"), attrs, ectxOf(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": name, "variables": res.Variables, "trace": res.Trace})
	}
}

func writeEntity(c *gin.Context, status int, e *entity.DynamicEntity) {
	c.Header("ETag", strconv.FormatInt(e.Version, 10))
	c.JSON(status, e.Flatten())
}

// readBody разбирает JSON-объект; пустое тело, пустые атрибуты.
func readBody(c *gin.Context) (value.Attributes, error) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	attrs := value.Attributes{}
	if strings.TrimSpace(string(raw)) == "" {
		return attrs, nil
	}
	if err := attrs.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return attrs, nil
}

func ifMatch(c *gin.Context) (int64, bool) {
	h := strings.Trim(strings.TrimSpace(c.GetHeader("If-Match")), `"`)
	if h == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(h, 10, 64)
	return v, err == nil
}
