// Package schema declares the recognized fields of each fleet record kind and
// the rules their values must satisfy.
package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/yowenter/fleetd/pkg/types"
)

type FieldDefinition struct {
	Name string
	// Rule is a validator tag, e.g. "required,email".
	Rule string
	// Reference names the record kind this field points at, if any.
	Reference string
}

type Schema struct {
	Kind       string
	Collection string
	IDPrefix   string
	Fields     []FieldDefinition
}

// FieldError reports a field that is unknown or whose value breaks its rule.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

var validate = validator.New()

var (
	Driver = &Schema{
		Kind:       types.KIND_DRIVER,
		Collection: "drivers",
		IDPrefix:   "DRV",
		Fields: []FieldDefinition{
			{Name: "firstName", Rule: "required"},
			{Name: "lastName", Rule: "required"},
			{Name: "email", Rule: "required,email"},
			{Name: "phone", Rule: "required"},
			{Name: "licenseNumber", Rule: "required"},
			{Name: "licenseType", Rule: "required,oneof=class_a class_b class_c standard other"},
			{Name: "licenseExpiry", Rule: "required,datetime=2006-01-02"},
			{Name: "status", Rule: "required,oneof=available on_duty off_duty on_leave"},
			{Name: "address"},
			{Name: "city"},
			{Name: "state"},
			{Name: "zipCode"},
			{Name: "country"},
			{Name: "notes", Rule: "max=2000"},
			{Name: "currentVehicle", Reference: types.KIND_VEHICLE},
			{Name: "companyId", Reference: types.KIND_COMPANY},
		},
	}

	Vehicle = &Schema{
		Kind:       types.KIND_VEHICLE,
		Collection: "vehicles",
		IDPrefix:   "VEH",
		Fields: []FieldDefinition{
			{Name: "plateNumber", Rule: "required"},
			{Name: "make", Rule: "required"},
			{Name: "model", Rule: "required"},
			{Name: "year", Rule: "omitempty,numeric,len=4"},
			{Name: "vin", Rule: "omitempty,alphanum,len=17"},
			{Name: "status", Rule: "required,oneof=active maintenance inactive"},
			{Name: "companyId", Reference: types.KIND_COMPANY},
			{Name: "currentDriver", Reference: types.KIND_DRIVER},
		},
	}

	Company = &Schema{
		Kind:       types.KIND_COMPANY,
		Collection: "companies",
		IDPrefix:   "CMP",
		Fields: []FieldDefinition{
			{Name: "name", Rule: "required"},
			{Name: "address", Rule: "required"},
			{Name: "contact", Rule: "required"},
		},
	}
)

// Registry maps kinds to schemas.
type Registry map[string]*Schema

func DefaultRegistry() Registry {
	return NewRegistry(Driver, Vehicle, Company)
}

func NewRegistry(schemas ...*Schema) Registry {
	r := Registry{}
	for _, s := range schemas {
		r[s.Kind] = s
	}
	return r
}

func (r Registry) Kinds() []string {
	kinds := make([]string, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (s *Schema) Field(name string) (FieldDefinition, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

func (s *Schema) References() []FieldDefinition {
	var refs []FieldDefinition
	for _, f := range s.Fields {
		if f.Reference != "" {
			refs = append(refs, f)
		}
	}
	return refs
}

// ValidateChanges checks a partial update: it must be non-empty and only name
// known fields with valid values.
func (s *Schema) ValidateChanges(changes map[string]string) error {
	if len(changes) == 0 {
		return &FieldError{Reason: "no field changes given"}
	}
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def, ok := s.Field(name)
		if !ok {
			return &FieldError{Field: name, Reason: fmt.Sprintf("not a field of %s", s.Kind)}
		}
		if err := checkValue(def, changes[name]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRecord checks a complete field set, treating absent fields as empty.
func (s *Schema) ValidateRecord(fields map[string]string) error {
	for name := range fields {
		if _, ok := s.Field(name); !ok {
			return &FieldError{Field: name, Reason: fmt.Sprintf("not a field of %s", s.Kind)}
		}
	}
	for _, def := range s.Fields {
		if err := checkValue(def, fields[def.Name]); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(def FieldDefinition, value string) error {
	if def.Rule == "" {
		return nil
	}
	err := validate.Var(value, def.Rule)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &FieldError{Field: def.Name, Reason: describe(verrs[0])}
	}
	return &FieldError{Field: def.Name, Reason: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted as " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed rule " + fe.Tag()
	}
}
