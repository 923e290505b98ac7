package registry

import "errors"

// Sentinel errors for the registry layer.
// These allow callers to check error kinds with errors.Is() instead of
// string matching.
var (
	ErrInvalidName      = errors.New("invalid entity type name")
	ErrNilMetadata      = errors.New("metadata is required")
	ErrNilSchema        = errors.New("schema is required")
	ErrFieldNotInSchema = errors.New("field not present in schema")
	ErrSchemaConflict   = errors.New("schema conflicts with registered schema")
	ErrNotRegistered    = errors.New("entity type is not registered")
)
