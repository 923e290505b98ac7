package writer

import "errors"

// Sentinel errors for the write path.
var (
	ErrEmptyTableName    = errors.New("table name is required")
	ErrConflictExhausted = errors.New("commit conflict retries exhausted")
	ErrSchemaMismatch    = errors.New("record schema does not match table schema")
	ErrWriteTimeout      = errors.New("timed out waiting for write to commit")
	ErrShutdown          = errors.New("scheduler is shut down")
)
