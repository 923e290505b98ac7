package delta

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/parquet/file"

	"github.com/axonops/axonops-delta-writer/internal/storage"
)

func tableSchema() *StructType {
	return NewStructType(
		StructField{Name: "user_id", Type: TypeString},
		StructField{Name: "username", Type: TypeString},
		StructField{Name: "email", Type: TypeString, Nullable: true},
		StructField{Name: "score", Type: TypeLong, Nullable: true},
	)
}

func record(id, name string) Record {
	return Record{"user_id": id, "username": name, "email": id + "@example.com", "score": int64(10)}
}

// parquetRows reads back a stored part file and returns its row count.
func parquetRows(t *testing.T, store storage.ObjectStore, path string) int64 {
	t.Helper()
	data, err := store.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to read data file %s: %v", path, err)
	}
	reader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to open parquet file: %v", err)
	}
	defer reader.Close()
	return reader.NumRows()
}

func TestTransaction_CreateThenAppend(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	tablePath := t.TempDir() + "/users"

	// First commit creates the table at version 0.
	txn, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if !txn.IsNewTable() {
		t.Fatal("expected a new table")
	}
	if err := txn.AttachSchema(tableSchema(), "users", nil); err != nil {
		t.Fatalf("attach schema failed: %v", err)
	}
	if err := txn.WriteFiles(ctx, []Record{record("u1", "a")}); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	version, err := txn.Commit(ctx, OpCreateTable)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}

	ok, err := store.Exists(ctx, tablePath+"/_delta_log/00000000000000000000.json")
	if err != nil || !ok {
		t.Fatalf("first log entry missing: ok=%v err=%v", ok, err)
	}

	snap, err := LoadSnapshot(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Version != 0 || len(snap.Files) != 1 {
		t.Fatalf("unexpected snapshot: version=%d files=%d", snap.Version, len(snap.Files))
	}
	if rows := parquetRows(t, store, tablePath+"/"+snap.Files[0].Path); rows != 1 {
		t.Errorf("expected 1 row, got %d", rows)
	}

	// Second commit appends at version 1.
	txn2, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if txn2.IsNewTable() {
		t.Fatal("table should exist on the second begin")
	}
	if !txn2.Schema().Equal(tableSchema()) {
		t.Error("schema not recovered from snapshot")
	}
	if err := txn2.WriteFiles(ctx, []Record{record("u2", "b")}); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	version, err = txn2.Commit(ctx, OpWrite)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	snap, err = LoadSnapshot(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Version != 1 || len(snap.Files) != 2 {
		t.Errorf("unexpected snapshot: version=%d files=%d", snap.Version, len(snap.Files))
	}

	entries, err := NewLog(store, tablePath).Versions(ctx)
	if err != nil {
		t.Fatalf("versions failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 log entries, got %d", len(entries))
	}
}

func TestTransaction_ConflictOnRacedVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	tablePath := t.TempDir() + "/users"

	txn1, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn1.AttachSchema(tableSchema(), "users", nil); err != nil {
		t.Fatalf("attach schema failed: %v", err)
	}

	txn2, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn2.AttachSchema(tableSchema(), "users", nil); err != nil {
		t.Fatalf("attach schema failed: %v", err)
	}

	if err := txn1.WriteFiles(ctx, []Record{record("u1", "a")}); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	if _, err := txn1.Commit(ctx, OpCreateTable); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// The raced transaction targets the same version and must conflict.
	if err := txn2.WriteFiles(ctx, []Record{record("u2", "b")}); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	_, err = txn2.Commit(ctx, OpCreateTable)
	if !errors.Is(err, ErrConcurrentCommit) {
		t.Fatalf("expected ErrConcurrentCommit, got %v", err)
	}

	// Reopening against the fresh snapshot succeeds one version higher.
	txn3, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn3.WriteFiles(ctx, []Record{record("u2", "b")}); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	version, err := txn3.Commit(ctx, OpWrite)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
}

func TestTransaction_CommitWithoutSchema(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	txn, err := Begin(ctx, store, t.TempDir()+"/users")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn.WriteFiles(ctx, []Record{record("u1", "a")}); !errors.Is(err, ErrNoSchema) {
		t.Errorf("expected ErrNoSchema from write, got %v", err)
	}
	if _, err := txn.Commit(ctx, OpCreateTable); !errors.Is(err, ErrNoSchema) {
		t.Errorf("expected ErrNoSchema from commit, got %v", err)
	}
}

func TestTransaction_NullHandling(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	tablePath := t.TempDir() + "/users"

	txn, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn.AttachSchema(tableSchema(), "users", nil); err != nil {
		t.Fatalf("attach schema failed: %v", err)
	}

	// All-null optional column plus a missing required column.
	records := []Record{
		{"user_id": "u1", "username": "a"},
		{"user_id": "u2"},
		{"user_id": "u3", "email": nil, "score": nil},
	}
	if err := txn.WriteFiles(ctx, records); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	if _, err := txn.Commit(ctx, OpCreateTable); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	snap, err := LoadSnapshot(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if rows := parquetRows(t, store, tablePath+"/"+snap.Files[0].Path); rows != 3 {
		t.Errorf("expected 3 rows, got %d", rows)
	}
}

func TestTransaction_PartitionedFilePlacement(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	tablePath := t.TempDir() + "/events"

	txn, err := Begin(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn.AttachSchema(tableSchema(), "events", []string{"user_id"}); err != nil {
		t.Fatalf("attach schema failed: %v", err)
	}
	txn.SetPartition("/year=2024/month=01/day=15", map[string]string{"user_id": "u1"})
	if err := txn.WriteFiles(ctx, []Record{record("u1", "a")}); err != nil {
		t.Fatalf("write files failed: %v", err)
	}
	if _, err := txn.Commit(ctx, OpCreateTable); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	snap, err := LoadSnapshot(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	add := snap.Files[0]
	if want := "year=2024/month=01/day=15/"; len(add.Path) < len(want) || add.Path[:len(want)] != want {
		t.Errorf("data file not under partition dir: %s", add.Path)
	}
	if add.PartitionValues["user_id"] != "u1" {
		t.Errorf("partition values not stamped: %+v", add.PartitionValues)
	}
	ok, err := store.Exists(ctx, tablePath+"/"+add.Path)
	if err != nil || !ok {
		t.Errorf("partitioned file missing: ok=%v err=%v", ok, err)
	}
}
