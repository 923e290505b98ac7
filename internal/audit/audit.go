// Package audit provides the commit audit trail: one JSON line per table
// commit, written to a size-rotated log file.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/axonops/axonops-delta-writer/internal/config"
)

// Event is one audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Table     string    `json:"table"`
	Version   int64     `json:"version"`
	Records   int       `json:"records"`
	Files     int       `json:"files"`
	Duration  int64     `json:"duration_ms"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes commit audit events.
type Logger struct {
	enabled bool
	sink    *lumberjack.Logger
	logger  *slog.Logger
}

// NewLogger creates an audit logger. With auditing disabled every call is a
// no-op; without a log file events go to stdout.
func NewLogger(cfg config.AuditConfig) *Logger {
	al := &Logger{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return al
	}

	if cfg.LogFile != "" {
		al.sink = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		al.logger = slog.New(slog.NewJSONHandler(al.sink, nil))
	} else {
		al.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return al
}

// LogCommit records one commit outcome.
func (al *Logger) LogCommit(e Event) {
	if !al.enabled {
		return
	}
	attrs := []slog.Attr{
		slog.Time("timestamp", e.Timestamp),
		slog.String("table", e.Table),
		slog.Int64("version", e.Version),
		slog.Int("records", e.Records),
		slog.Int("files", e.Files),
		slog.Int64("duration_ms", e.Duration),
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "commit", attrs...)
}

// Close releases the underlying log file.
func (al *Logger) Close() error {
	if al.sink != nil {
		return al.sink.Close()
	}
	return nil
}
