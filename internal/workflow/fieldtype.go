package workflow

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// FieldType is the declared type tag of a Field. Tags map onto cty types so
// that run inputs can be checked with cty's conversion rules instead of
// hand-rolled reflection.
type FieldType string

const (
	FieldStr     FieldType = "str"
	FieldFloat   FieldType = "float"
	FieldInt     FieldType = "int"
	FieldBool    FieldType = "bool"
	FieldJSON    FieldType = "json"
	FieldStrList FieldType = "list[str]"
)

// CtyType returns the cty type a tag maps to. Unknown tags are a validation
// error surfaced at workflow validation time.
func (t FieldType) CtyType() (cty.Type, error) {
	switch t {
	case FieldStr, "":
		// An omitted tag means "string", the overwhelmingly common case.
		return cty.String, nil
	case FieldFloat, FieldInt:
		return cty.Number, nil
	case FieldBool:
		return cty.Bool, nil
	case FieldJSON:
		return cty.DynamicPseudoType, nil
	case FieldStrList:
		return cty.List(cty.String), nil
	}
	return cty.NilType, fmt.Errorf("unknown field type %q", string(t))
}

// CheckInputs verifies that the supplied run inputs satisfy the given field
// declarations: every non-optional field must be present, and every supplied
// value must be convertible to the field's declared type.
func CheckInputs(fields []Field, inputs map[string]any) error {
	for _, f := range fields {
		v, ok := inputs[f.Name]
		if !ok {
			if f.Optional {
				continue
			}
			return fmt.Errorf("missing required input %q", f.Name)
		}
		if err := checkValue(f, v); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(f Field, v any) error {
	want, err := f.Type.CtyType()
	if err != nil {
		return fmt.Errorf("input %q: %w", f.Name, err)
	}
	if want == cty.DynamicPseudoType || v == nil {
		return nil
	}
	impliedType, err := gocty.ImpliedType(v)
	if err != nil {
		return fmt.Errorf("input %q: unsupported value type %T", f.Name, v)
	}
	val, err := gocty.ToCtyValue(v, impliedType)
	if err != nil {
		return fmt.Errorf("input %q: %w", f.Name, err)
	}
	if _, err := convert.Convert(val, want); err != nil {
		return fmt.Errorf("input %q: cannot use %T as %s: %w", f.Name, v, string(f.Type), err)
	}
	return nil
}
