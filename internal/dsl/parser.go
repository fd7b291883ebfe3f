package dsl

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	entityRe           = regexp.MustCompile(`^entity\s+(\w+)\s*:(.*)$`)
	fieldRe            = regexp.MustCompile(`^\s*([\w_]+):\s*([^\s#]+)(.*)$`)
	enumRe             = regexp.MustCompile(`^enum\[(.*)\]$`)
	refRe              = regexp.MustCompile(`^ref\[([A-Za-z0-9_.]+)\]$`)
	moduleRe           = regexp.MustCompile(`^\s*module\s+([A-Za-z0-9_.-]+)\s*$`)
	reConstraintsStart = regexp.MustCompile(`^\s*constraints\s*:\s*$`)
	reUniqueLine       = regexp.MustCompile(`^\s*unique\s*\(\s*([^)]+)\s*\)\s*$`)
	reCheckLine        = regexp.MustCompile(`^\s*check\s+([\w_]+)\s*:\s*(.+)$`)
)

// ParseError: ошибка разбора с позицией в файле.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// splitOptionTokens делит "k=v k2='v 2', pattern=^[A-Z]{2,3}$" на токены:
// пробел и запятая разделяют только вне кавычек и скобок.
func splitOptionTokens(s string) []string {
	var out []string
	var buf []rune
	inSingle, inDouble := false, false
	depth := 0 // внутри [...] или {...} у регэкспа

	flush := func() {
		if len(buf) > 0 {
			out = append(out, string(buf))
			buf = buf[:0]
		}
	}

	for _, r := range s {
		quoted := inSingle || inDouble
		switch {
		case r == '\'' && !inDouble && depth == 0:
			inSingle = !inSingle
		case r == '"' && !inSingle && depth == 0:
			inDouble = !inDouble
		case (r == '[' || r == '{') && !quoted:
			depth++
		case (r == ']' || r == '}') && !quoted && depth > 0:
			depth--
		case (r == ' ' || r == '\t' || r == ',') && !quoted && depth == 0:
			flush()
			continue
		}
		buf = append(buf, r)
	}
	flush()
	return out
}

// parseOptions: флаг без значения → "true", кавычки вокруг значения снимаются.
func parseOptions(raw string) map[string]string {
	opts := map[string]string{}
	for _, tok := range splitOptionTokens(raw) {
		k, v, ok := strings.Cut(tok, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if !ok {
			opts[k] = "true"
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		opts[k] = v
	}
	return opts
}

// stripComment срезает хвостовой # вне кавычек.
func stripComment(s string) string {
	inSingle, inDouble := false, false
	for i, r := range s {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '#':
			if !inSingle && !inDouble {
				return s[:i]
			}
		}
	}
	return s
}

// LoadEntities читает один .dsl файл
func LoadEntities(path string) ([]*Entity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file, path)
}

// Parse разбирает DSL сущностей:
//
//	module billing
//	entity Invoice: table=invoices auditable
//	  number: string required unique pattern='^INV-\d+$'
//	  status: enum[draft, sent, paid] default=draft
//	  customer: ref[Customer] required
//	  constraints:
//	    check total: total >= 0
func Parse(r io.Reader, name string) ([]*Entity, error) {
	var entities []*Entity
	var current *Entity
	currentModule := ""
	inConstraints := false
	lineNo := 0
	fail := func(format string, args ...any) error {
		return &ParseError{File: name, Line: lineNo, Msg: fmt.Sprintf(format, args...)}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := moduleRe.FindStringSubmatch(line); m != nil {
			currentModule = m[1]
			continue
		}

		if m := entityRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				entities = append(entities, current)
			}
			current = &Entity{
				Name:    m[1],
				Module:  currentModule,
				Options: parseOptions(strings.TrimSpace(stripComment(m[2]))),
				Checks:  map[string]string{},
				Line:    lineNo,
			}
			inConstraints = false
			continue
		}
		if current == nil {
			return nil, fail("%q outside of entity block", line)
		}

		if reConstraintsStart.MatchString(line) {
			inConstraints = true
			continue
		}
		if inConstraints {
			if m := reUniqueLine.FindStringSubmatch(line); m != nil {
				cols := strings.Split(m[1], ",")
				if len(cols) != 1 {
					return nil, fail("composite unique(%s) is not supported", m[1])
				}
				if !current.markUnique(strings.TrimSpace(cols[0])) {
					return nil, fail("unique(%s) references unknown field", m[1])
				}
				continue
			}
			if m := reCheckLine.FindStringSubmatch(line); m != nil {
				current.Checks[m[1]] = strings.TrimSpace(m[2])
				continue
			}
			return nil, fail("unexpected line in constraints block: %q", line)
		}

		m := fieldRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fail("cannot parse field line %q", line)
		}
		rawType, tail := m[2], m[3]
		// склейка оборванных типов со скобками: enum[a, b]
		if strings.HasPrefix(rawType, "enum[") && !strings.Contains(rawType, "]") {
			if idx := strings.Index(tail, "]"); idx >= 0 {
				rawType += tail[:idx+1]
				tail = tail[idx+1:]
			}
		}
		optsRaw := strings.TrimSpace(stripComment(tail))
		if strings.HasPrefix(strings.ToLower(optsRaw), "options:") {
			optsRaw = strings.TrimSpace(optsRaw[len("options:"):])
		}

		f := Field{Name: m[1], Type: rawType, Options: parseOptions(optsRaw), Line: lineNo}
		if mm := enumRe.FindStringSubmatch(rawType); mm != nil {
			f.Type = "enum"
			for _, p := range strings.Split(mm[1], ",") {
				if s := strings.Trim(strings.TrimSpace(p), `"'`); s != "" {
					f.Enum = append(f.Enum, s)
				}
			}
		} else if mm := refRe.FindStringSubmatch(rawType); mm != nil {
			f.Type = "ref"
			f.RefTarget = mm[1]
		} else if strings.HasPrefix(rawType, "array[") {
			return nil, fail("field %s: array types are not supported", f.Name)
		}
		current.Fields = append(current.Fields, f)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		entities = append(entities, current)
	}
	return entities, nil
}

func (e *Entity) markUnique(field string) bool {
	for i := range e.Fields {
		if e.Fields[i].Name == field {
			e.Fields[i].Options["unique"] = "true"
			return true
		}
	}
	return false
}

// LoadAllEntities обходит root и собирает сущности из всех .dsl файлов.
func LoadAllEntities(root string) ([]*Entity, error) {
	var result []*Entity
	seen := map[string]string{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".dsl") {
			return nil
		}
		ents, err := LoadEntities(path)
		if err != nil {
			return err
		}
		for _, e := range ents {
			if prev, exists := seen[e.Name]; exists {
				return fmt.Errorf("duplicate entity %q in %s (first declared in %s)", e.Name, path, prev)
			}
			seen[e.Name] = path
			result = append(result, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
