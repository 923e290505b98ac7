// Package delta implements the Delta Lake transaction log protocol:
// versioned JSON commits under _delta_log/, Parquet data files, snapshot
// reconstruction, optimistic transactions, and checkpoints.
package delta

import (
	"encoding/json"
	"fmt"
)

// DataType is a Delta primitive type name as it appears in a schema string.
type DataType string

const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeLong    DataType = "long"
	TypeFloat   DataType = "float"
	TypeDouble  DataType = "double"
	TypeBoolean DataType = "boolean"
	TypeBinary  DataType = "binary"
)

// StructField is a single column of a Delta table schema.
type StructField struct {
	Name     string   `json:"name"`
	Type     DataType `json:"type"`
	Nullable bool     `json:"nullable"`
	Metadata struct{} `json:"metadata"`
}

// StructType is a Delta table schema.
type StructType struct {
	Fields []StructField
}

// NewStructType creates a schema from the given fields.
func NewStructType(fields ...StructField) *StructType {
	return &StructType{Fields: fields}
}

// Field returns the field with the given name, if present.
func (s *StructType) Field(name string) (StructField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return StructField{}, false
}

// Len returns the number of fields.
func (s *StructType) Len() int {
	return len(s.Fields)
}

// structTypeJSON is the wire form of a schema string.
type structTypeJSON struct {
	Type   string        `json:"type"`
	Fields []StructField `json:"fields"`
}

// SchemaString renders the schema in Delta's schema-string JSON form, as
// embedded in a metaData action.
func (s *StructType) SchemaString() (string, error) {
	fields := s.Fields
	if fields == nil {
		fields = []StructField{}
	}
	data, err := json.Marshal(structTypeJSON{Type: "struct", Fields: fields})
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema string: %w", err)
	}
	return string(data), nil
}

// ParseSchemaString parses a Delta schema-string back into a StructType.
func ParseSchemaString(schemaString string) (*StructType, error) {
	var raw structTypeJSON
	if err := json.Unmarshal([]byte(schemaString), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schema string: %w", err)
	}
	if raw.Type != "struct" {
		return nil, fmt.Errorf("unexpected schema root type: %s", raw.Type)
	}
	return &StructType{Fields: raw.Fields}, nil
}

// Equal reports whether two schemas have identical fields in identical order.
func (s *StructType) Equal(other *StructType) bool {
	if other == nil || len(s.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range s.Fields {
		o := other.Fields[i]
		if f.Name != o.Name || f.Type != o.Type || f.Nullable != o.Nullable {
			return false
		}
	}
	return true
}
