package dsl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"meridian/internal/meta"
)

// Подкаталоги с YAML-определениями.
const (
	DirRules       = "rules"
	DirWorkflows   = "workflows"
	DirPermissions = "permissions"
	DirGroups      = "groups"
	DirPlugins     = "plugins"
)

// DirSource читает определения из каталога:
//
//	<root>/**/*.dsl           сущности
//	<root>/rules/*.yaml       правила
//	<root>/workflows/*.yaml   workflow
//	<root>/permissions/*.yaml разрешения
//	<root>/groups/*.yaml      группы безопасности
//	<root>/plugins/*.yaml     привязки плагинов
//
// Каждый YAML-файл содержит список. active/enabled по умолчанию true.
type DirSource struct {
	Root string
}

func NewDirSource(root string) *DirSource { return &DirSource{Root: root} }

func (s *DirSource) LoadEntities(ctx context.Context) ([]meta.EntityDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ents, err := LoadAllEntities(s.Root)
	if err != nil {
		return nil, err
	}
	return Definitions(ents)
}

func (s *DirSource) LoadRules(ctx context.Context) ([]meta.RuleDefinition, error) {
	return loadDir(ctx, s.dir(DirRules), func() meta.RuleDefinition { return meta.RuleDefinition{Active: true} })
}

func (s *DirSource) LoadWorkflows(ctx context.Context) ([]meta.WorkflowDefinition, error) {
	return loadDir(ctx, s.dir(DirWorkflows), func() meta.WorkflowDefinition { return meta.WorkflowDefinition{Active: true} })
}

func (s *DirSource) LoadPermissions(ctx context.Context) ([]meta.PermissionDefinition, error) {
	return loadDir(ctx, s.dir(DirPermissions), func() meta.PermissionDefinition { return meta.PermissionDefinition{Active: true} })
}

func (s *DirSource) LoadSecurityGroups(ctx context.Context) ([]meta.SecurityGroup, error) {
	return loadDir(ctx, s.dir(DirGroups), func() meta.SecurityGroup { return meta.SecurityGroup{Active: true} })
}

func (s *DirSource) LoadPlugins(ctx context.Context) ([]meta.PluginBinding, error) {
	return loadDir(ctx, s.dir(DirPlugins), func() meta.PluginBinding { return meta.PluginBinding{Enabled: true} })
}

func (s *DirSource) dir(name string) string { return filepath.Join(s.Root, name) }

// Hash: отпечаток содержимого всех файлов определений.
func (s *DirSource) Hash() (string, error) {
	files, err := definitionFiles(s.Root)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", f, len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func definitionFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isDefinitionFile(d.Name()) {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".dsl", ".yaml", ".yml":
		return true
	}
	return false
}

// loadDir читает все YAML-файлы каталога по имени файла. Нет каталога, нет определений.
func loadDir[T any](ctx context.Context, dir string, seed func() T) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []T
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		items, err := decodeList(data, seed)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out = append(out, items...)
	}
	return out, nil
}

// decodeList разбирает YAML-список; каждый элемент накладывается на seed(),
// так что отсутствующие ключи сохраняют значения по умолчанию.
func decodeList[T any](data []byte, seed func() T) ([]T, error) {
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(nodes))
	for i := range nodes {
		item := seed()
		if err := nodes[i].Decode(&item); err != nil {
			return nil, fmt.Errorf("item %d (line %d): %w", i, nodes[i].Line, err)
		}
		out = append(out, item)
	}
	return out, nil
}
