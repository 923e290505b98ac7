package delta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axonops/axonops-delta-writer/internal/storage"
)

// clientVersion is stamped into commitInfo actions.
const clientVersion = "delta-writer/1"

// ErrNoSchema means a transaction on a new table was committed without a
// schema being attached first.
var ErrNoSchema = errors.New("transaction has no schema")

// OptimisticTransaction stages one commit against a table. It is bound to
// the snapshot version read at open time; the commit succeeds only if no
// other writer published that version in the meantime.
type OptimisticTransaction struct {
	log         *Log
	store       storage.ObjectStore
	readVersion int64
	metadata    *MetaData
	schema      *StructType
	isNew       bool
	adds        []Add
	partDir     string
	partValues  map[string]string
}

// Begin opens a transaction against the table at tablePath. A missing table
// yields a transaction that creates it; the caller must attach a schema
// before writing.
func Begin(ctx context.Context, store storage.ObjectStore, tablePath string) (*OptimisticTransaction, error) {
	txn := &OptimisticTransaction{
		log:         NewLog(store, tablePath),
		store:       store,
		readVersion: -1,
		isNew:       true,
	}

	snap, err := LoadSnapshot(ctx, store, tablePath)
	switch {
	case err == nil:
		schema, err := snap.Schema()
		if err != nil {
			return nil, fmt.Errorf("failed to read table schema: %w", err)
		}
		txn.readVersion = snap.Version
		txn.metadata = snap.Metadata
		txn.schema = schema
		txn.isNew = false
	case errors.Is(err, ErrTableNotFound):
		// New table.
	default:
		return nil, err
	}
	return txn, nil
}

// IsNewTable reports whether this transaction creates the table.
func (t *OptimisticTransaction) IsNewTable() bool {
	return t.isNew
}

// ReadVersion returns the snapshot version this transaction is based on,
// or -1 for a new table.
func (t *OptimisticTransaction) ReadVersion() int64 {
	return t.readVersion
}

// Schema returns the table schema the transaction writes against.
func (t *OptimisticTransaction) Schema() *StructType {
	return t.schema
}

// AttachSchema sets the schema for a new table. It has no effect on existing
// tables, whose schema comes from the snapshot.
func (t *OptimisticTransaction) AttachSchema(schema *StructType, tableName string, partitionColumns []string) error {
	if !t.isNew {
		return nil
	}
	schemaString, err := schema.SchemaString()
	if err != nil {
		return err
	}
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	t.schema = schema
	t.metadata = &MetaData{
		ID:               uuid.New().String(),
		Name:             tableName,
		Format:           Format{Provider: "parquet", Options: map[string]string{}},
		SchemaString:     schemaString,
		PartitionColumns: partitionColumns,
		Configuration:    map[string]string{},
		CreatedTime:      time.Now().UnixMilli(),
	}
	return nil
}

// SetPartition records where data files land relative to the table root and
// the partition values stamped onto their add actions.
func (t *OptimisticTransaction) SetPartition(dir string, values map[string]string) {
	t.partDir = dir
	t.partValues = values
}

// WriteFiles converts records into columnar batches over the table schema,
// writes them as Parquet part files, and stages the resulting add actions.
func (t *OptimisticTransaction) WriteFiles(ctx context.Context, records []Record) error {
	if t.schema == nil {
		return ErrNoSchema
	}
	if len(records) == 0 {
		return nil
	}
	file, err := WriteDataFile(ctx, t.store, t.log.TablePath(), t.partDir, t.schema, records)
	if err != nil {
		return err
	}
	t.adds = append(t.adds, file.AddAction(t.partValues))
	return nil
}

// Commit publishes the staged actions as the next table version. Returns
// ErrConcurrentCommit when another writer got there first; the transaction
// must then be reopened against the fresh snapshot.
func (t *OptimisticTransaction) Commit(ctx context.Context, operation string) (int64, error) {
	if t.metadata == nil || t.schema == nil {
		return 0, ErrNoSchema
	}

	actions := []Action{{
		CommitInfo: &CommitInfo{
			Timestamp:     time.Now().UnixMilli(),
			Operation:     operation,
			ClientVersion: clientVersion,
			OperationParameters: map[string]string{
				"mode": "Append",
			},
		},
	}}
	if t.isNew {
		actions = append(actions,
			Action{Protocol: DefaultProtocol()},
			Action{MetaData: t.metadata},
		)
	}
	for i := range t.adds {
		actions = append(actions, Action{Add: &t.adds[i]})
	}

	version := t.readVersion + 1
	if err := t.log.Write(ctx, version, actions); err != nil {
		return 0, err
	}
	return version, nil
}
