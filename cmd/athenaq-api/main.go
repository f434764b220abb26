package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athenaq/athenaq/internal/api"
	"github.com/athenaq/athenaq/internal/auth"
	"github.com/athenaq/athenaq/internal/config"
	"github.com/athenaq/athenaq/internal/observability"
	"github.com/athenaq/athenaq/internal/query"
	athenaservice "github.com/athenaq/athenaq/internal/query/athena"
	"github.com/athenaq/athenaq/internal/query/duckdb"
	"github.com/athenaq/athenaq/internal/storage"
	s3store "github.com/athenaq/athenaq/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("athenaq-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	defaults := query.Params{
		Region:       cfg.Athena.Region,
		Database:     cfg.Athena.Database,
		Catalog:      cfg.Athena.Catalog,
		WorkGroup:    cfg.Athena.WorkGroup,
		OutputBucket: cfg.Athena.OutputBucket,
		OutputPath:   cfg.Athena.OutputPath,
	}
	if _, _, err := storage.ParseLocation(defaults.OutputLocation()); err != nil {
		logger.Error("invalid output location", slog.Any("error", err))
		os.Exit(1)
	}

	var objectStore *s3store.Store
	if cfg.ObjectStore.Enabled {
		objectStore, err = s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		artifacts, err := objectStore.Location(cfg.Athena.OutputPath)
		if err != nil {
			logger.Error("invalid output path for object store", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("object store ready", slog.String("bucket", objectStore.Bucket()), slog.String("artifacts", artifacts))
		if cfg.Athena.Backend == config.BackendAthena && artifacts != defaults.OutputLocation() {
			logger.Warn("object store does not read the athena output location; artifacts may not be found",
				slog.String("artifacts", artifacts),
				slog.String("output_location", defaults.OutputLocation()),
			)
		}
	}

	service, err := newQueryService(context.Background(), cfg, objectStore, logger)
	if err != nil {
		logger.Error("failed to initialize query service", slog.String("backend", string(cfg.Athena.Backend)), slog.Any("error", err))
		os.Exit(1)
	}
	runner := &query.Runner{
		Service:      service,
		Defaults:     defaults,
		MaxAttempts:  cfg.Runner.MaxAttempts,
		PollInterval: cfg.Runner.PollInterval,
		Logger:       logger,
	}

	deps := api.Dependencies{
		Logger:      logger,
		Runner:      runner,
		MaxAttempts: cfg.Runner.MaxAttempts,
		OutputPath:  cfg.Athena.OutputPath,
		Readiness: api.CombineReadinessChecks(
			api.CheckAthenaConfig(cfg),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimout: time.Second,
	}
	if objectStore != nil {
		deps.Artifacts = objectStore
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("backend", string(cfg.Athena.Backend)),
			slog.String("profile", string(cfg.Profile)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func newQueryService(ctx context.Context, cfg config.Config, objectStore *s3store.Store, logger *slog.Logger) (query.Service, error) {
	switch cfg.Athena.Backend {
	case config.BackendAthena:
		return athenaservice.New(ctx, athenaservice.Config{
			Region:          cfg.Athena.Region,
			Endpoint:        cfg.Athena.Endpoint,
			AccessKeyID:     cfg.Athena.AccessKeyID,
			SecretAccessKey: cfg.Athena.SecretAccessKey,
		})
	case config.BackendDuckDB:
		tables := make([]duckdb.TableBinding, 0, len(cfg.Emulator.Tables))
		for _, binding := range cfg.Emulator.Tables {
			tables = append(tables, duckdb.TableBinding{TableName: binding.Name, ObjectKey: binding.ObjectKey})
		}
		var store storage.ObjectStore
		if objectStore != nil {
			store = objectStore
		}
		return duckdb.NewEmulator(store, tables, logger), nil
	default:
		return nil, fmt.Errorf("unsupported query backend %q", cfg.Athena.Backend)
	}
}
