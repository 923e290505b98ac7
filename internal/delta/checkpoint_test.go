package delta

import (
	"context"
	"testing"

	"github.com/axonops/axonops-delta-writer/internal/storage"
)

// commitN appends n single-record commits, creating the table on the first.
func commitN(t *testing.T, store storage.ObjectStore, tablePath string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		txn, err := Begin(ctx, store, tablePath)
		if err != nil {
			t.Fatalf("begin %d failed: %v", i, err)
		}
		if txn.IsNewTable() {
			if err := txn.AttachSchema(tableSchema(), "users", nil); err != nil {
				t.Fatalf("attach schema failed: %v", err)
			}
		}
		if err := txn.WriteFiles(ctx, []Record{record("u", "n")}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if _, err := txn.Commit(ctx, OpWrite); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}
}

func TestCheckpoint_RoundtripThroughSnapshot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	tablePath := t.TempDir() + "/users"

	commitN(t, store, tablePath, 12)

	if err := WriteCheckpoint(ctx, store, tablePath, 10); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	ok, err := store.Exists(ctx, tablePath+"/_delta_log/00000000000000000010.checkpoint.parquet")
	if err != nil || !ok {
		t.Fatalf("checkpoint file missing: ok=%v err=%v", ok, err)
	}
	cp, err := readLastCheckpoint(ctx, store, NewLog(store, tablePath))
	if err != nil || cp == nil {
		t.Fatalf("checkpoint pointer missing: %v", err)
	}
	if cp.Version != 10 {
		t.Errorf("pointer at version %d, want 10", cp.Version)
	}

	// Remove the consolidated JSON entries; the snapshot must rebuild from
	// the checkpoint plus the remaining log tail.
	for v := int64(0); v <= 10; v++ {
		if err := store.Delete(ctx, tablePath+"/_delta_log/"+versionFileName(v)); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
	}

	snap, err := LoadSnapshot(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("snapshot after checkpoint failed: %v", err)
	}
	if snap.Version != 11 {
		t.Errorf("expected version 11, got %d", snap.Version)
	}
	if len(snap.Files) != 12 {
		t.Errorf("expected 12 data files, got %d", len(snap.Files))
	}
	if snap.Metadata == nil || snap.Protocol == nil {
		t.Error("checkpoint lost metadata or protocol")
	}
	schema, err := snap.Schema()
	if err != nil {
		t.Fatalf("schema failed: %v", err)
	}
	if !schema.Equal(tableSchema()) {
		t.Error("schema changed through checkpoint roundtrip")
	}
}

func TestCheckpoint_SnapshotPrefersTailOverCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore()
	tablePath := t.TempDir() + "/users"

	commitN(t, store, tablePath, 11)
	if err := WriteCheckpoint(ctx, store, tablePath, 10); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	commitN(t, store, tablePath, 2)

	snap, err := LoadSnapshot(ctx, store, tablePath)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Version != 12 {
		t.Errorf("expected version 12, got %d", snap.Version)
	}
	if len(snap.Files) != 13 {
		t.Errorf("expected 13 data files, got %d", len(snap.Files))
	}
}

func TestCheckpoint_MissingTable(t *testing.T) {
	err := WriteCheckpoint(context.Background(), storage.NewLocalStore(), t.TempDir()+"/absent", 10)
	if err == nil {
		t.Error("expected error for missing table")
	}
}
