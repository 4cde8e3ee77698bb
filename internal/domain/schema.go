package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// FieldDef describes one persisted attribute of an entity.
type FieldDef struct {
	Name     string
	Required bool
	Validate func(value string) error
}

// Schema is the ordered field table of an entity kind. Entities convert to
// and from plain attribute maps at the store boundary; Schema checks those
// maps.
type Schema struct {
	Kind   string
	Fields []FieldDef

	index map[string]int
}

func NewSchema(kind string, fields ...FieldDef) *Schema {
	s := &Schema{Kind: kind, Fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		s.index[f.Name] = i
	}
	return s
}

func (s *Schema) Field(name string) (FieldDef, bool) {
	i, ok := s.index[name]
	if !ok {
		return FieldDef{}, false
	}
	return s.Fields[i], true
}

// Validate rejects unknown attributes, blank required attributes and values
// refused by a field's validator. Errors wrap ErrInvalidRequest.
func (s *Schema) Validate(attrs map[string]string) error {
	for name := range attrs {
		if _, ok := s.index[name]; !ok {
			return fmt.Errorf("%w: %s: unknown field %q", ErrInvalidRequest, s.Kind, name)
		}
	}
	for _, f := range s.Fields {
		v, present := attrs[f.Name]
		if f.Required && strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s: %s is required", ErrInvalidRequest, s.Kind, f.Name)
		}
		if !present || v == "" || f.Validate == nil {
			continue
		}
		if err := f.Validate(v); err != nil {
			return fmt.Errorf("%w: %s: invalid %s: %v", ErrInvalidRequest, s.Kind, f.Name, err)
		}
	}
	return nil
}

// compact drops empty optional values so they are not persisted.
func compact(attrs map[string]string) map[string]string {
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	return attrs
}

func validateURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func validateBool(v string) error {
	if !strings.EqualFold(v, "true") && !strings.EqualFold(v, "false") {
		return fmt.Errorf("not a boolean: %s", v)
	}
	return nil
}

func validateTime(v string) error {
	_, err := ParseTime(v)
	return err
}

func validateJSON(v string) error {
	if !json.Valid([]byte(v)) {
		return fmt.Errorf("not valid JSON")
	}
	return nil
}

func validateNoSpaces(v string) error {
	if strings.ContainsAny(v, " \t\r\n") {
		return fmt.Errorf("must not contain whitespace")
	}
	return nil
}
