// Package writer implements the write path: the per-table transactional
// commit engine and the batching scheduler in front of it.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/axonops/axonops-delta-writer/internal/audit"
	"github.com/axonops/axonops-delta-writer/internal/cache"
	"github.com/axonops/axonops-delta-writer/internal/delta"
	"github.com/axonops/axonops-delta-writer/internal/metrics"
	"github.com/axonops/axonops-delta-writer/internal/schema"
	"github.com/axonops/axonops-delta-writer/internal/storage"
)

// CommitResult is the outcome of one committed table write.
type CommitResult struct {
	Version     int64
	RecordCount int
}

// TableOptions carries per-table settings the engine needs at commit time.
type TableOptions struct {
	PartitionColumns []string
}

// EngineOptions configures the commit engine.
type EngineOptions struct {
	// MaxRetries bounds conflict retries; zero means a single attempt.
	MaxRetries int
	// RetryBaseDelay is the first backoff step; each retry doubles it.
	RetryBaseDelay time.Duration
	// MaxRetryDelay caps the backoff ladder.
	MaxRetryDelay time.Duration
	// CheckpointInterval is the number of versions between checkpoints.
	CheckpointInterval int64
	// ValidateSchemas rejects writes whose schema differs from the table's.
	ValidateSchemas bool
	// Tables holds per-table overrides keyed by table name.
	Tables map[string]TableOptions
}

// CommitEngine commits coalesced record groups to Delta tables with
// optimistic concurrency.
type CommitEngine struct {
	store      storage.ObjectStore
	resolver   *storage.PathResolver
	translator *schema.Translator
	metrics    *metrics.Metrics
	audit      *audit.Logger
	logger     *slog.Logger
	opts       EngineOptions
	// versions remembers the last committed version per table for
	// CurrentVersion. Commits always load a fresh snapshot and never read it,
	// so a stale entry cannot affect a commit.
	versions *cache.VersionCache
}

// NewCommitEngine creates a commit engine.
func NewCommitEngine(store storage.ObjectStore, resolver *storage.PathResolver, translator *schema.Translator, m *metrics.Metrics, auditLog *audit.Logger, logger *slog.Logger, opts EngineOptions) *CommitEngine {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 5 * time.Second
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 10
	}
	return &CommitEngine{
		store:      store,
		resolver:   resolver,
		translator: translator,
		metrics:    m,
		audit:      auditLog,
		logger:     logger,
		opts:       opts,
		versions:   cache.NewVersionCache(1024, 30*time.Second),
	}
}

// Commit writes one coalesced group as a single new table version. Conflicts
// with concurrent writers are retried with exponential backoff up to
// MaxRetries; every retry starts over from a fresh snapshot.
func (e *CommitEngine) Commit(ctx context.Context, table string, records []delta.Record, recordSchema *schema.RecordSchema) (CommitResult, error) {
	start := time.Now()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.opts.RetryBaseDelay
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = e.opts.MaxRetryDelay
	expo.MaxElapsedTime = 0
	expo.Reset()

	var result CommitResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = e.attempt(ctx, table, records, recordSchema)
		if err == nil {
			break
		}
		if !errors.Is(err, delta.ErrConcurrentCommit) {
			e.metrics.RecordWriteError(table)
			e.auditCommit(table, -1, len(records), 0, start, err)
			return CommitResult{}, err
		}
		if attempt >= e.opts.MaxRetries {
			err = fmt.Errorf("%w: table %q after %d attempts", ErrConflictExhausted, table, attempt+1)
			e.metrics.RecordWriteError(table)
			e.auditCommit(table, -1, len(records), 0, start, err)
			return CommitResult{}, err
		}

		e.metrics.RecordConflict(table)
		e.versions.Invalidate(table)
		delay := expo.NextBackOff()
		e.logger.Warn("commit conflict, retrying",
			slog.String("table", table),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return CommitResult{}, ctx.Err()
		}
	}

	duration := time.Since(start)
	e.metrics.RecordCommit(table, len(records), duration)
	e.auditCommit(table, result.Version, len(records), 1, start, nil)
	e.versions.Set(table, result.Version)

	e.maybeCheckpoint(ctx, table, result.Version)
	return result, nil
}

// attempt runs one full commit attempt from a fresh snapshot.
func (e *CommitEngine) attempt(ctx context.Context, table string, records []delta.Record, recordSchema *schema.RecordSchema) (CommitResult, error) {
	tableOpts := e.opts.Tables[table]

	partitionValues := extractPartitionValues(records, tableOpts.PartitionColumns)
	path, err := e.resolver.Resolve(table, rawPartitionValues(records, tableOpts.PartitionColumns))
	if err != nil {
		return CommitResult{}, err
	}

	txn, err := delta.Begin(ctx, e.store, path.BasePath)
	if err != nil {
		return CommitResult{}, err
	}

	translated, err := e.translator.ToDeltaSchema(recordSchema)
	if err != nil {
		return CommitResult{}, err
	}

	operation := delta.OpWrite
	if txn.IsNewTable() {
		operation = delta.OpCreateTable
		if err := txn.AttachSchema(translated, table, tableOpts.PartitionColumns); err != nil {
			return CommitResult{}, err
		}
	} else if e.opts.ValidateSchemas && !translated.Equal(txn.Schema()) {
		return CommitResult{}, fmt.Errorf("%w: table %q", ErrSchemaMismatch, table)
	}

	txn.SetPartition(path.PartitionPath, partitionValues)
	if err := txn.WriteFiles(ctx, records); err != nil {
		return CommitResult{}, err
	}

	version, err := txn.Commit(ctx, operation)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Version: version, RecordCount: len(records)}, nil
}

// maybeCheckpoint writes a checkpoint at qualifying versions. Checkpoint
// failures are logged and swallowed; they never fail the commit.
func (e *CommitEngine) maybeCheckpoint(ctx context.Context, table string, version int64) {
	if version <= 0 || version%e.opts.CheckpointInterval != 0 {
		return
	}
	base, err := e.resolver.ResolveBase(table)
	if err != nil {
		return
	}
	if err := delta.WriteCheckpoint(ctx, e.store, base, version); err != nil {
		e.logger.Warn("checkpoint failed",
			slog.String("table", table),
			slog.Int64("version", version),
			slog.String("error", err.Error()),
		)
		return
	}
	e.metrics.RecordCheckpoint(table)
	e.logger.Info("checkpoint written",
		slog.String("table", table),
		slog.Int64("version", version),
	)
}

// CurrentVersion returns the latest committed version of a table, or -1 for
// a table that does not exist yet.
func (e *CommitEngine) CurrentVersion(ctx context.Context, table string) (int64, error) {
	if v, ok := e.versions.Get(table); ok {
		return v, nil
	}
	base, err := e.resolver.ResolveBase(table)
	if err != nil {
		return 0, err
	}
	v, err := delta.NewLog(e.store, base).LatestVersion(ctx)
	if err != nil {
		if errors.Is(err, delta.ErrTableNotFound) {
			return -1, nil
		}
		return 0, err
	}
	e.versions.Set(table, v)
	return v, nil
}

func (e *CommitEngine) auditCommit(table string, version int64, records, files int, start time.Time, err error) {
	ev := audit.Event{
		Timestamp: start,
		Table:     table,
		Version:   version,
		Records:   records,
		Files:     files,
		Duration:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.audit.LogCommit(ev)
}

// extractPartitionValues reads the partition column values of the group's
// first record as strings, for stamping onto add actions.
func extractPartitionValues(records []delta.Record, columns []string) map[string]string {
	values := map[string]string{}
	if len(records) == 0 {
		return values
	}
	for _, col := range columns {
		if v, ok := records[0][col]; ok && v != nil {
			values[col] = fmt.Sprintf("%v", v)
		}
	}
	return values
}

// rawPartitionValues is the loosely typed form the path resolver consumes.
// Without configured partition columns the whole first record is offered, so
// date-based strategies can probe their well-known column names.
func rawPartitionValues(records []delta.Record, columns []string) map[string]interface{} {
	values := map[string]interface{}{}
	if len(records) == 0 {
		return values
	}
	if len(columns) == 0 {
		for k, v := range records[0] {
			values[k] = v
		}
		return values
	}
	for _, col := range columns {
		if v, ok := records[0][col]; ok {
			values[col] = v
		}
	}
	return values
}
