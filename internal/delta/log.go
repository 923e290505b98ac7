package delta

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/axonops/axonops-delta-writer/internal/storage"
)

// Errors surfaced by the log layer.
var (
	// ErrTableNotFound means no transaction log exists at the table path.
	ErrTableNotFound = errors.New("delta table not found")
	// ErrConcurrentCommit means another writer committed the target version
	// first. The caller should refresh its snapshot and retry.
	ErrConcurrentCommit = errors.New("concurrent commit detected")
)

const logDirName = "_delta_log"

// Log reads and writes one table's transaction log.
type Log struct {
	store     storage.ObjectStore
	tablePath string
}

// NewLog creates a log handle for the table at tablePath.
func NewLog(store storage.ObjectStore, tablePath string) *Log {
	return &Log{store: store, tablePath: strings.TrimSuffix(tablePath, "/")}
}

// TablePath returns the table root this log belongs to.
func (l *Log) TablePath() string {
	return l.tablePath
}

// LogDir returns the _delta_log directory path.
func (l *Log) LogDir() string {
	return l.tablePath + "/" + logDirName
}

// versionFileName renders the JSON entry name for a version.
func versionFileName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

// checkpointFileName renders the checkpoint file name for a version.
func checkpointFileName(version int64) string {
	return fmt.Sprintf("%020d.checkpoint.parquet", version)
}

// entryPath returns the object path of a version's JSON entry.
func (l *Log) entryPath(version int64) string {
	return l.LogDir() + "/" + versionFileName(version)
}

// parseVersion extracts the version from a log entry name, returning false
// for checkpoints and unrelated files.
func parseVersion(name string) (int64, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return 0, false
	}
	numeric := strings.TrimSuffix(base, ".json")
	if len(numeric) != 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Versions returns all committed versions in ascending order.
func (l *Log) Versions(ctx context.Context) ([]int64, error) {
	infos, err := l.store.List(ctx, l.LogDir())
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	var versions []int64
	for _, info := range infos {
		if v, ok := parseVersion(info.Path); ok {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// LatestVersion returns the highest committed version, or ErrTableNotFound
// when the log is empty.
func (l *Log) LatestVersion(ctx context.Context) (int64, error) {
	versions, err := l.Versions(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, ErrTableNotFound
	}
	return versions[len(versions)-1], nil
}

// Read returns the actions of one committed version.
func (l *Log) Read(ctx context.Context, version int64) ([]Action, error) {
	data, err := l.store.Get(ctx, l.entryPath(version))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("version %d: %w", version, ErrTableNotFound)
		}
		return nil, fmt.Errorf("failed to read version %d: %w", version, err)
	}
	return DecodeActions(data)
}

// Write publishes actions as the given version. The put-if-absent write is
// the commit point of the optimistic-concurrency protocol: a file already
// present at the target version means another writer won the race.
func (l *Log) Write(ctx context.Context, version int64, actions []Action) error {
	data, err := EncodeActions(actions)
	if err != nil {
		return err
	}
	if _, err := l.store.PutIfAbsent(ctx, l.entryPath(version), data); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("version %d: %w", version, ErrConcurrentCommit)
		}
		return fmt.Errorf("failed to write version %d: %w", version, err)
	}
	return nil
}
