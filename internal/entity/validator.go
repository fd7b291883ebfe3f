package entity

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"meridian/internal/meta"
	"meridian/internal/value"
)

// Сообщения об ошибках полей.
const (
	MsgRequired      = "Field is required"
	MsgPattern       = "Value does not match pattern"
	MsgNotAllowed    = "Value is not allowed"
	MsgUnique        = "Value must be unique"
	MsgReadOnly      = "Field is read-only"
	MsgInvalidEmail  = "Invalid email address"
	MsgRefNotFound   = "Referenced record not found"
	MsgCalculation   = "Cannot calculate value"
	msgMinLength     = "Minimum length is %d"
	msgMaxLength     = "Maximum length is %d"
	msgMinValue      = "Minimum value is %s"
	msgMaxValue      = "Maximum value is %s"
	msgTypeMismatchF = "Must be %s"
)

// Catalogs: справочники для enum-полей с catalog=.
type Catalogs interface {
	CatalogCodes(name string) ([]string, bool)
}

// FieldErrors: ошибки полей в порядке проверки.
type FieldErrors struct {
	order []string
	msgs  map[string]string
}

func (fe *FieldErrors) Add(field, msg string) {
	if fe.msgs == nil {
		fe.msgs = map[string]string{}
	}
	if _, ok := fe.msgs[field]; ok {
		return
	}
	fe.order = append(fe.order, field)
	fe.msgs[field] = msg
}

func (fe *FieldErrors) Has(field string) bool {
	_, ok := fe.msgs[field]
	return ok
}

func (fe *FieldErrors) Empty() bool      { return len(fe.order) == 0 }
func (fe *FieldErrors) Fields() []string { return append([]string(nil), fe.order...) }

func (fe *FieldErrors) Map() map[string]string {
	out := make(map[string]string, len(fe.msgs))
	for k, v := range fe.msgs {
		out[k] = v
	}
	return out
}

// Validator проверяет и нормализует атрибуты по схеме.
type Validator struct {
	catalogs Catalogs

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func NewValidator(catalogs Catalogs) *Validator {
	return &Validator{catalogs: catalogs, patterns: map[string]*regexp.Regexp{}}
}

// Validate проходит поля в порядке OrderIndex и накапливает все ошибки.
// Первая ошибка поля прекращает проверки этого поля, но не остальных.
// Значения в attrs приводятся к типу поля на месте.
func (v *Validator) Validate(def *meta.EntityDefinition, attrs value.Attributes) *FieldErrors {
	errs := &FieldErrors{}
	v.validateInto(def, attrs, errs)
	return errs
}

func (v *Validator) validateInto(def *meta.EntityDefinition, attrs value.Attributes, errs *FieldErrors) {
	for _, f := range def.OrderedFields() {
		if errs.Has(f.Name) {
			continue
		}
		raw := attrs.Get(f.Name)
		if value.IsBlank(raw) {
			if f.Required {
				errs.Add(f.Name, MsgRequired)
			}
			continue
		}
		norm, err := coerce(f, raw)
		if err != nil {
			errs.Add(f.Name, err.Error())
			continue
		}
		attrs[f.Name] = norm
		if msg := v.checkField(f, norm); msg != "" {
			errs.Add(f.Name, msg)
		}
	}
}

func (v *Validator) checkField(f meta.FieldDefinition, val value.Value) string {
	if s, ok := val.(value.String); ok {
		n := utf8.RuneCountInString(string(s))
		if f.MinLength != nil && n < *f.MinLength {
			return fmt.Sprintf(msgMinLength, *f.MinLength)
		}
		if f.MaxLength != nil && n > *f.MaxLength {
			return fmt.Sprintf(msgMaxLength, *f.MaxLength)
		}
		if f.Pattern != "" {
			re, err := v.pattern(f.Pattern)
			if err != nil || !re.MatchString(string(s)) {
				return MsgPattern
			}
		}
	}
	if value.IsNumeric(val) {
		if lim, ok := f.ValidationRules["min"]; ok {
			if c, err := compareLimit(val, lim); err == nil && c < 0 {
				return fmt.Sprintf(msgMinValue, lim)
			}
		}
		if lim, ok := f.ValidationRules["max"]; ok {
			if c, err := compareLimit(val, lim); err == nil && c > 0 {
				return fmt.Sprintf(msgMaxValue, lim)
			}
		}
	}
	if f.DataType == meta.TypeEnum {
		allowed := f.Enum
		if f.Catalog != "" && v.catalogs != nil {
			if codes, ok := v.catalogs.CatalogCodes(f.Catalog); ok {
				allowed = codes
			}
		}
		if len(allowed) > 0 && !contains(allowed, val.String()) {
			return MsgNotAllowed
		}
	}
	return ""
}

func compareLimit(val value.Value, lim string) (int, error) {
	d, err := value.NewDecimal(lim)
	if err != nil {
		return 0, err
	}
	return value.Compare(val, d)
}

// pattern: полное совпадение, скомпилированные шаблоны кэшируются.
func (v *Validator) pattern(p string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[p]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + p + `)$`)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.patterns[p] = re
	v.mu.Unlock()
	return re, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func errType(what string) error { return fmt.Errorf(msgTypeMismatchF, what) }

// coerce приводит значение к типу поля; JSON отдаёт числа и строки в разных
// формах, поэтому допускаются однозначные преобразования.
func coerce(f meta.FieldDefinition, v value.Value) (value.Value, error) {
	switch f.DataType {
	case meta.TypeString, meta.TypeText, meta.TypeEnum, meta.TypeReference:
		s, ok := v.(value.String)
		if !ok {
			return nil, errType("a string")
		}
		return s, nil
	case meta.TypeEmail:
		s, ok := v.(value.String)
		if !ok {
			return nil, errType("a string")
		}
		addr, err := mail.ParseAddress(string(s))
		if err != nil || addr.Address != strings.TrimSpace(string(s)) {
			return nil, errors.New(MsgInvalidEmail)
		}
		return value.String(strings.TrimSpace(string(s))), nil
	case meta.TypeInteger:
		switch t := v.(type) {
		case value.Int:
			return t, nil
		case value.Decimal:
			if t.IsInteger() {
				if i, err := t.Apd().Int64(); err == nil {
					return value.Int(i), nil
				}
			}
		case value.String:
			if i, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64); err == nil {
				return value.Int(i), nil
			}
		}
		return nil, errType("an integer")
	case meta.TypeDecimal:
		switch t := v.(type) {
		case value.Int:
			return value.DecimalFromInt(int64(t)), nil
		case value.Decimal:
			return t, nil
		case value.String:
			if d, err := value.NewDecimal(string(t)); err == nil {
				return d, nil
			}
		}
		return nil, errType("a decimal")
	case meta.TypeBoolean:
		switch t := v.(type) {
		case value.Bool:
			return t, nil
		case value.String:
			switch strings.ToLower(strings.TrimSpace(string(t))) {
			case "true", "1", "yes", "y", "on":
				return value.Bool(true), nil
			case "false", "0", "no", "n", "off":
				return value.Bool(false), nil
			}
		}
		return nil, errType("a boolean")
	case meta.TypeDate:
		switch t := v.(type) {
		case value.Date:
			return value.NewDate(t.Time()), nil
		case value.String:
			if d, err := time.Parse("2006-01-02", strings.TrimSpace(string(t))); err == nil {
				return value.NewDate(d), nil
			}
		}
		return nil, errType("a date (YYYY-MM-DD)")
	case meta.TypeDateTime:
		switch t := v.(type) {
		case value.Date:
			return value.NewDateTime(t.Time()), nil
		case value.String:
			if d, err := time.Parse(time.RFC3339, strings.TrimSpace(string(t))); err == nil {
				return value.NewDateTime(d), nil
			}
		}
		return nil, errType("an RFC3339 datetime")
	}
	return v, nil
}

// CoerceDefault приводит строковое значение по умолчанию к типу поля.
func CoerceDefault(f meta.FieldDefinition) (value.Value, error) {
	return coerce(f, value.String(f.DefaultValue))
}
