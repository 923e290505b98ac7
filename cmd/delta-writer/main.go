// Package main is the entry point for the delta writer service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axonops/axonops-delta-writer/internal/api"
	"github.com/axonops/axonops-delta-writer/internal/audit"
	"github.com/axonops/axonops-delta-writer/internal/config"
	"github.com/axonops/axonops-delta-writer/internal/metrics"
	"github.com/axonops/axonops-delta-writer/internal/registry"
	"github.com/axonops/axonops-delta-writer/internal/schema"
	"github.com/axonops/axonops-delta-writer/internal/storage"
	"github.com/axonops/axonops-delta-writer/internal/writer"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "delta-writer",
		Short: "Delta Lake table write service",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the writer service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "Path to configuration file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("delta-writer %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLevel(cfg.Logging.Level))
	logger := newLogger(cfg.Logging.Format, logLevel)
	slog.SetDefault(logger)

	logger.Info("starting delta writer",
		slog.String("version", version),
		slog.String("storage", cfg.Storage.Type),
		slog.String("address", cfg.Address()),
	)

	store, err := storage.NewObjectStore(storage.Type(strings.ToUpper(cfg.Storage.Type)))
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	tableStrategies := make(map[string]storage.PartitionStrategy, len(cfg.Tables))
	tableOptions := make(map[string]writer.TableOptions, len(cfg.Tables))
	for name, tc := range cfg.Tables {
		if tc.PartitionStrategy != "" {
			tableStrategies[name] = storage.PartitionStrategy(strings.ToUpper(tc.PartitionStrategy))
		}
		tableOptions[name] = writer.TableOptions{PartitionColumns: tc.PartitionColumns}
	}

	resolver := storage.NewPathResolver(storage.ResolverConfig{
		StorageType:     storage.Type(strings.ToUpper(cfg.Storage.Type)),
		BasePath:        cfg.Storage.BasePath,
		Bucket:          cfg.Storage.Bucket,
		AzureAccount:    cfg.Storage.AzureAccount,
		HDFSNameNode:    cfg.Storage.HDFSNameNode,
		DefaultStrategy: storage.PartitionStrategy(strings.ToUpper(cfg.Storage.PartitionStrategy)),
		TableStrategies: tableStrategies,
	})

	m := metrics.New()
	auditLog := audit.NewLogger(cfg.Audit)
	translator := schema.NewTranslator(logger)
	reg := registry.New(logger)

	engine := writer.NewCommitEngine(store, resolver, translator, m, auditLog, logger, writer.EngineOptions{
		MaxRetries:         cfg.Performance.MaxRetries,
		RetryBaseDelay:     100 * time.Millisecond,
		CheckpointInterval: cfg.Performance.CheckpointInterval,
		ValidateSchemas:    cfg.Schema.EnableSchemaValidation,
		Tables:             tableOptions,
	})

	scheduler := writer.NewBatchScheduler(engine, m, logger, writer.SchedulerOptions{
		BatchTimeout:  time.Duration(cfg.Performance.BatchTimeoutMs) * time.Millisecond,
		MaxBatchSize:  cfg.Performance.MaxBatchSize,
		WriteTimeout:  time.Duration(cfg.Performance.WriteTimeoutMs) * time.Millisecond,
		CommitThreads: cfg.Performance.CommitThreads,
	})

	// Live log-level changes via config file edits.
	var stopWatch func() error
	if configPath != "" {
		stopWatch, err = config.Watch(configPath, logger, func(updated *config.Config) {
			logLevel.Set(parseLevel(updated.Logging.Level))
		})
		if err != nil {
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
	}

	server := api.NewServer(cfg, reg, scheduler, m, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			return err
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
		if err := scheduler.Close(); err != nil {
			logger.Error("scheduler close error", slog.String("error", err.Error()))
		}
		if stopWatch != nil {
			if err := stopWatch(); err != nil {
				logger.Error("config watcher close error", slog.String("error", err.Error()))
			}
		}
		if err := auditLog.Close(); err != nil {
			logger.Error("audit close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
