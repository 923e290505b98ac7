package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/axonops/axonops-delta-writer/internal/audit"
	"github.com/axonops/axonops-delta-writer/internal/config"
	"github.com/axonops/axonops-delta-writer/internal/delta"
	"github.com/axonops/axonops-delta-writer/internal/metrics"
	"github.com/axonops/axonops-delta-writer/internal/schema"
	"github.com/axonops/axonops-delta-writer/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usersSchema() *schema.RecordSchema {
	return &schema.RecordSchema{
		Name: "Users",
		Fields: []schema.Field{
			{Name: "user_id", Type: schema.TypeString},
			{Name: "username", Type: schema.TypeString},
			{Name: "email", Type: schema.TypeString},
			{Name: "country", Type: schema.TypeString},
			{Name: "signup_date", Type: schema.TypeString, Nullable: true},
		},
	}
}

func userRecord(id string) delta.Record {
	return delta.Record{
		"user_id":     id,
		"username":    "a",
		"email":       id + "@x",
		"country":     "US",
		"signup_date": "2024-01-01",
	}
}

// testEnv wires an engine over a temp-dir local table root.
type testEnv struct {
	engine  *CommitEngine
	metrics *metrics.Metrics
	store   storage.ObjectStore
	base    string
}

func newTestEnv(t *testing.T, store storage.ObjectStore, opts EngineOptions) *testEnv {
	t.Helper()
	base := t.TempDir()
	resolver := storage.NewPathResolver(storage.ResolverConfig{
		StorageType:     storage.TypeLocal,
		BasePath:        base,
		DefaultStrategy: storage.PartitionNone,
	})
	if store == nil {
		store = storage.NewLocalStore()
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	m := metrics.New()
	engine := NewCommitEngine(store, resolver, schema.NewTranslator(testLogger()), m,
		audit.NewLogger(config.AuditConfig{}), testLogger(), opts)
	return &testEnv{engine: engine, metrics: m, store: store, base: base}
}

func (e *testEnv) tablePath(table string) string {
	return "file://" + e.base + "/" + table
}

// parquetRowsAt reads back a table's part file and returns its row count.
func parquetRowsAt(t *testing.T, env *testEnv, table, relPath string) int64 {
	t.Helper()
	data, err := env.store.Get(context.Background(), env.tablePath(table)+"/"+relPath)
	if err != nil {
		t.Fatalf("failed to read data file %s: %v", relPath, err)
	}
	reader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to open parquet file: %v", err)
	}
	defer reader.Close()
	return reader.NumRows()
}

func TestCommit_CreateThenAppend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, EngineOptions{MaxRetries: 3})

	res, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u1")}, usersSchema())
	if err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	if res.Version != 0 || res.RecordCount != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	ok, err := env.store.Exists(ctx, env.tablePath("users")+"/_delta_log/00000000000000000000.json")
	if err != nil || !ok {
		t.Fatalf("version 0 log entry missing: ok=%v err=%v", ok, err)
	}

	res, err = env.engine.Commit(ctx, "users", []delta.Record{userRecord("u2")}, usersSchema())
	if err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if res.Version != 1 {
		t.Errorf("expected version 1, got %d", res.Version)
	}

	snap, err := delta.LoadSnapshot(ctx, env.store, env.tablePath("users"))
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Files) != 2 {
		t.Errorf("expected 2 data files, got %d", len(snap.Files))
	}
	if got := testutil.ToFloat64(env.metrics.WritesTotal.WithLabelValues("users")); got != 2 {
		t.Errorf("writes counter: %v", got)
	}
}

// racingStore lets an external writer win exactly one log-version race.
type racingStore struct {
	storage.ObjectStore
	once     sync.Once
	external func(path string)
}

func (s *racingStore) PutIfAbsent(ctx context.Context, path string, data []byte) (storage.ObjectInfo, error) {
	if strings.Contains(path, "_delta_log/") && strings.HasSuffix(path, ".json") {
		s.once.Do(func() { s.external(path) })
	}
	return s.ObjectStore.PutIfAbsent(ctx, path, data)
}

func TestCommit_ConflictRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewLocalStore()

	// The external writer creates the same table at the contended version
	// just before the engine's first commit attempt lands.
	var env *testEnv
	store := &racingStore{ObjectStore: inner, external: func(path string) {
		txn, err := delta.Begin(ctx, inner, env.tablePath("users"))
		if err != nil {
			t.Errorf("external begin failed: %v", err)
			return
		}
		translated, err := schema.NewTranslator(testLogger()).ToDeltaSchema(usersSchema())
		if err != nil {
			t.Errorf("external translate failed: %v", err)
			return
		}
		if err := txn.AttachSchema(translated, "users", nil); err != nil {
			t.Errorf("external attach failed: %v", err)
			return
		}
		if err := txn.WriteFiles(ctx, []delta.Record{userRecord("ext")}); err != nil {
			t.Errorf("external write failed: %v", err)
			return
		}
		if _, err := txn.Commit(ctx, delta.OpCreateTable); err != nil {
			t.Errorf("external commit failed: %v", err)
		}
	}}
	env = newTestEnv(t, store, EngineOptions{MaxRetries: 3})

	res, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u1")}, usersSchema())
	if err != nil {
		t.Fatalf("commit failed despite retries: %v", err)
	}
	if res.Version != 1 {
		t.Errorf("expected version one past the external writer's, got %d", res.Version)
	}
	if got := testutil.ToFloat64(env.metrics.ConflictsTotal.WithLabelValues("users")); got != 1 {
		t.Errorf("conflicts counter: %v", got)
	}
}

// conflictingStore fails every log write with an existing-object error.
type conflictingStore struct {
	storage.ObjectStore
	attempts int
}

func (s *conflictingStore) PutIfAbsent(ctx context.Context, path string, data []byte) (storage.ObjectInfo, error) {
	if strings.Contains(path, "_delta_log/") && strings.HasSuffix(path, ".json") {
		s.attempts++
		return storage.ObjectInfo{}, storage.ErrAlreadyExists
	}
	return s.ObjectStore.PutIfAbsent(ctx, path, data)
}

func TestCommit_ConflictExhausted(t *testing.T) {
	store := &conflictingStore{ObjectStore: storage.NewLocalStore()}
	env := newTestEnv(t, store, EngineOptions{MaxRetries: 2})

	_, err := env.engine.Commit(context.Background(), "users", []delta.Record{userRecord("u1")}, usersSchema())
	if !errors.Is(err, ErrConflictExhausted) {
		t.Fatalf("expected ErrConflictExhausted, got %v", err)
	}
	if store.attempts != 3 {
		t.Errorf("expected 3 attempts with 2 retries, got %d", store.attempts)
	}
}

func TestCommit_MaxRetriesZeroMeansOneAttempt(t *testing.T) {
	store := &conflictingStore{ObjectStore: storage.NewLocalStore()}
	env := newTestEnv(t, store, EngineOptions{MaxRetries: 0})

	_, err := env.engine.Commit(context.Background(), "users", []delta.Record{userRecord("u1")}, usersSchema())
	if !errors.Is(err, ErrConflictExhausted) {
		t.Fatalf("expected ErrConflictExhausted, got %v", err)
	}
	if store.attempts != 1 {
		t.Errorf("expected a single attempt, got %d", store.attempts)
	}
}

func TestCommit_NonConflictErrorNotRetried(t *testing.T) {
	env := newTestEnv(t, nil, EngineOptions{MaxRetries: 3})
	ctx := context.Background()

	if _, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u1")}, usersSchema()); err != nil {
		t.Fatalf("setup commit failed: %v", err)
	}

	// A record whose value cannot be encoded fails fast without retries.
	bad := delta.Record{"user_id": "u2", "username": []string{"not", "a", "string"}, "country": true}
	badSchema := &schema.RecordSchema{
		Name:   "Users",
		Fields: []schema.Field{{Name: "user_id", Type: schema.TypeInt64}},
	}
	_, err := env.engine.Commit(ctx, "bad_table", []delta.Record{bad}, badSchema)
	if err == nil {
		t.Fatal("expected encoding error")
	}
	if errors.Is(err, ErrConflictExhausted) {
		t.Error("non-conflict error must not be reported as conflict exhaustion")
	}
}

func TestCommit_SchemaMismatchRejected(t *testing.T) {
	env := newTestEnv(t, nil, EngineOptions{MaxRetries: 1, ValidateSchemas: true})
	ctx := context.Background()

	if _, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u1")}, usersSchema()); err != nil {
		t.Fatalf("setup commit failed: %v", err)
	}

	other := &schema.RecordSchema{
		Name:   "Users",
		Fields: []schema.Field{{Name: "user_id", Type: schema.TypeInt64}},
	}
	_, err := env.engine.Commit(ctx, "users", []delta.Record{{"user_id": int64(1)}}, other)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestCommit_CheckpointCadence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, EngineOptions{MaxRetries: 1, CheckpointInterval: 10})

	for i := 0; i < 21; i++ {
		if _, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u")}, usersSchema()); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	for _, version := range []string{"00000000000000000010", "00000000000000000020"} {
		ok, err := env.store.Exists(ctx, env.tablePath("users")+"/_delta_log/"+version+".checkpoint.parquet")
		if err != nil || !ok {
			t.Errorf("checkpoint %s missing: ok=%v err=%v", version, ok, err)
		}
	}
	if got := testutil.ToFloat64(env.metrics.CheckpointsCreated.WithLabelValues("users")); got != 2 {
		t.Errorf("checkpoints counter: %v", got)
	}
}

func TestCurrentVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, EngineOptions{MaxRetries: 1})

	v, err := env.engine.CurrentVersion(ctx, "users")
	if err != nil {
		t.Fatalf("current version failed: %v", err)
	}
	if v != -1 {
		t.Errorf("expected -1 for a missing table, got %d", v)
	}

	if _, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u1")}, usersSchema()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	v, err = env.engine.CurrentVersion(ctx, "users")
	if err != nil {
		t.Fatalf("current version failed: %v", err)
	}
	if v != 0 {
		t.Errorf("expected version 0, got %d", v)
	}
}

func TestCommit_MonotonicVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, EngineOptions{MaxRetries: 1})

	var last int64 = -1
	for i := 0; i < 5; i++ {
		res, err := env.engine.Commit(ctx, "users", []delta.Record{userRecord("u")}, usersSchema())
		if err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
		if res.Version != last+1 {
			t.Errorf("commit %d: version %d after %d", i, res.Version, last)
		}
		last = res.Version
	}
}
