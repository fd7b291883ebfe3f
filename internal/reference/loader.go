package reference

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadEnumCatalog читает все enum-справочники из папки (обычно reference/enums/)
func LoadEnumCatalog(dir string) (map[string]EnumDirectory, error) {
	result := make(map[string]EnumDirectory)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if file.IsDir() || !isYAML(file.Name()) {
			continue
		}
		path := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var enumDir EnumDirectory
		if err := yaml.Unmarshal(data, &enumDir); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		// Имя справочника, из enumDir.Name или из имени файла
		enumName := enumDir.Name
		if enumName == "" {
			enumName = strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
			enumDir.Name = enumName
		}
		if _, dup := result[enumName]; dup {
			return nil, fmt.Errorf("duplicate enum catalog %q (file: %s)", enumName, path)
		}
		sort.SliceStable(enumDir.Items, func(i, j int) bool { return enumDir.Items[i].Order < enumDir.Items[j].Order })
		result[enumName] = enumDir
	}
	return result, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Catalog: справочники с атомарной заменой; реализует entity.Catalogs.
type Catalog struct {
	dirs atomic.Pointer[map[string]EnumDirectory]
	now  func() time.Time
}

func NewCatalog(dirs map[string]EnumDirectory) *Catalog {
	c := &Catalog{now: time.Now}
	c.Replace(dirs)
	return c
}

// Replace публикует новый набор справочников.
func (c *Catalog) Replace(dirs map[string]EnumDirectory) {
	if dirs == nil {
		dirs = map[string]EnumDirectory{}
	}
	c.dirs.Store(&dirs)
}

// Reload перечитывает папку; при ошибке прежний набор остаётся.
func (c *Catalog) Reload(dir string) error {
	dirs, err := LoadEnumCatalog(dir)
	if err != nil {
		return err
	}
	c.Replace(dirs)
	return nil
}

func (c *Catalog) Directory(name string) (EnumDirectory, bool) {
	d, ok := (*c.dirs.Load())[name]
	return d, ok
}

func (c *Catalog) Names() []string {
	m := *c.dirs.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CatalogCodes: коды, действующие на сегодня, в порядке Order.
func (c *Catalog) CatalogCodes(name string) ([]string, bool) {
	d, ok := c.Directory(name)
	if !ok {
		return nil, false
	}
	today := c.now().UTC().Format("2006-01-02")
	codes := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		if it.ActiveOn(today) {
			codes = append(codes, it.Code)
		}
	}
	return codes, true
}
