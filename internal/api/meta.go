package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meridian/internal/meta"
	"meridian/internal/reference"
	"meridian/internal/registry"
)

// ===== META HANDLERS =====

type metaEntityListItem struct {
	Module string `json:"module,omitempty"`
	Entity string `json:"entity"`
	Table  string `json:"table,omitempty"`
	Fields int    `json:"fields"`
}

func MetaListHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defs := reg.Entities()
		out := make([]metaEntityListItem, 0, len(defs))
		for _, d := range defs {
			if !d.Active {
				continue
			}
			out = append(out, metaEntityListItem{
				Module: d.Metadata["module"],
				Entity: d.Name,
				Table:  d.Table,
				Fields: len(d.Fields),
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

type metaField struct {
	Name       string   `json:"name"`
	Label      string   `json:"label"`
	Type       string   `json:"type"`
	Required   bool     `json:"required,omitempty"`
	Unique     bool     `json:"unique,omitempty"`
	ReadOnly   bool     `json:"readOnly,omitempty"`
	Ref        string   `json:"ref,omitempty"`
	Enum       []string `json:"enum,omitempty"`
	Catalog    string   `json:"catalog,omitempty"`
	Calculated string   `json:"calculated,omitempty"`
	Default    string   `json:"default,omitempty"`
}

type metaEntity struct {
	Module  string            `json:"module,omitempty"`
	Entity  string            `json:"entity"`
	Table   string            `json:"table,omitempty"`
	Fields  []metaField       `json:"fields"`
	Display map[string]string `json:"display,omitempty"`
}

// MetaEntityHandler отдаёт схему для построения форм; имя без учёта регистра.
func MetaEntityHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := reg.ResolveEntityName(c.Param("entity"))
		if !ok {
			writeError(c, meta.DefinitionNotFound("entity", c.Param("entity")))
			return
		}
		def, err := reg.Entity(name)
		if err != nil {
			writeError(c, err)
			return
		}
		fields := make([]metaField, 0, len(def.Fields))
		for _, f := range def.OrderedFields() {
			fields = append(fields, metaField{
				Name:       f.Name,
				Label:      f.DisplayLabel(),
				Type:       string(f.DataType),
				Required:   f.Required,
				Unique:     f.Unique,
				ReadOnly:   f.ReadOnly || f.Calculated != "",
				Ref:        f.Reference,
				Enum:       append([]string(nil), f.Enum...),
				Catalog:    f.Catalog,
				Calculated: f.Calculated,
				Default:    f.DefaultValue,
			})
		}
		c.JSON(http.StatusOK, metaEntity{
			Module:  def.Metadata["module"],
			Entity:  def.Name,
			Table:   def.Table,
			Fields:  fields,
			Display: def.Display,
		})
	}
}

func MetaCatalogHandler(catalog *reference.Catalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		var (
			dir reference.EnumDirectory
			ok  bool
		)
		if catalog != nil {
			dir, ok = catalog.Directory(name)
		}
		if !ok {
			writeError(c, meta.DefinitionNotFound("catalog", name))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":  name,
			"items": dir.Items,
		})
	}
}
