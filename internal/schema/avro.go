package schema

import (
	"fmt"

	"github.com/hamba/avro/v2"
)

// ParseAvro parses an Avro record schema declaration into a RecordSchema.
// Unions are supported only in the two-branch ["null", T] form, which maps
// to a nullable field. Complex field types are carried through by name and
// degrade to string at translation time.
func ParseAvro(schemaJSON string) (*RecordSchema, error) {
	parsed, err := avro.Parse(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("invalid Avro schema: %w", err)
	}
	record, ok := parsed.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("expected a record schema, got %s", parsed.Type())
	}

	out := &RecordSchema{Name: record.Name()}
	for _, f := range record.Fields() {
		fieldType, nullable, err := fromAvroType(f.Type())
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name(), err)
		}
		out.Fields = append(out.Fields, Field{
			Name:     f.Name(),
			Type:     fieldType,
			Nullable: nullable,
		})
	}
	if len(out.Fields) == 0 {
		return nil, ErrEmptySchema
	}
	return out, nil
}

// fromAvroType maps an Avro type to a field type plus nullability.
func fromAvroType(t avro.Schema) (FieldType, bool, error) {
	switch t.Type() {
	case avro.String:
		return TypeString, false, nil
	case avro.Int:
		return TypeInt32, false, nil
	case avro.Long:
		return TypeInt64, false, nil
	case avro.Float:
		return TypeFloat32, false, nil
	case avro.Double:
		return TypeFloat64, false, nil
	case avro.Boolean:
		return TypeBool, false, nil
	case avro.Bytes:
		return TypeBytes, false, nil
	case avro.Union:
		union := t.(*avro.UnionSchema)
		inner, err := nonNullBranch(union)
		if err != nil {
			return "", false, err
		}
		fieldType, _, err := fromAvroType(inner)
		if err != nil {
			return "", false, err
		}
		return fieldType, true, nil
	default:
		// Array, map, record and the rest pass through by name.
		return FieldType(t.Type()), false, nil
	}
}

// nonNullBranch extracts T from a ["null", T] union.
func nonNullBranch(union *avro.UnionSchema) (avro.Schema, error) {
	types := union.Types()
	if len(types) != 2 {
		return nil, fmt.Errorf("unsupported union with %d branches", len(types))
	}
	var inner avro.Schema
	sawNull := false
	for _, branch := range types {
		if branch.Type() == avro.Null {
			sawNull = true
			continue
		}
		inner = branch
	}
	if !sawNull || inner == nil {
		return nil, fmt.Errorf("unsupported union: only [\"null\", T] is accepted")
	}
	return inner, nil
}
