package runnable

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
)

// Schema validates a state and returns its projection. Keys the schema does
// not declare are dropped from the result.
type Schema interface {
	Parse(state State) (State, error)
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(state State) (State, error)

func (f SchemaFunc) Parse(state State) (State, error) {
	return f(state)
}

// Field declares one key of an ObjectSchema.
type Field struct {
	Name   string
	Rules  []validation.Rule
	Nested *ObjectSchema
}

// Key declares a field validated with ozzo rules.
func Key(name string, rules ...validation.Rule) Field {
	return Field{Name: name, Rules: rules}
}

// Nested declares a field holding an object validated by schema.
func Nested(name string, schema *ObjectSchema, rules ...validation.Rule) Field {
	return Field{Name: name, Rules: rules, Nested: schema}
}

// ObjectSchema validates map shaped state with ozzo-validation rules.
type ObjectSchema struct {
	fields []Field
}

func Object(fields ...Field) *ObjectSchema {
	return &ObjectSchema{fields: fields}
}

func (s *ObjectSchema) Parse(state State) (State, error) {
	out, errs := s.parse(state)
	if len(errs) > 0 {
		return nil, errors.FromOzzoValidation(errs, "state validation failed").
			WithTextCode(CodeValidation)
	}
	return out, nil
}

func (s *ObjectSchema) parse(state State) (State, validation.Errors) {
	out := State{}
	errs := validation.Errors{}
	for _, field := range s.fields {
		value, present := state[field.Name]
		if err := validation.Validate(value, field.Rules...); err != nil {
			errs[field.Name] = err
			continue
		}
		if !present {
			continue
		}
		if field.Nested != nil {
			nested, ok := value.(map[string]any)
			if !ok {
				errs[field.Name] = validation.NewError("validation_is_object", "must be an object")
				continue
			}
			projected, nestedErrs := field.Nested.parse(nested)
			if len(nestedErrs) > 0 {
				errs[field.Name] = nestedErrs
				continue
			}
			value = projected
		}
		out[field.Name] = value
	}
	return out, errs
}
