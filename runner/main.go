package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mipflow-labs/mipflow-go/internal/containerrun"
	"github.com/mipflow-labs/mipflow-go/internal/exchange"
	"github.com/mipflow-labs/mipflow-go/internal/logarchive"
	"github.com/mipflow-labs/mipflow-go/internal/platform/env"
	"github.com/mipflow-labs/mipflow-go/internal/platform/postgres"
	provstore "github.com/mipflow-labs/mipflow-go/internal/provenance/postgres"
	"github.com/mipflow-labs/mipflow-go/internal/staging"
	"github.com/mipflow-labs/mipflow-go/internal/step"
	"github.com/mipflow-labs/mipflow-go/internal/trigger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stepCfg, err := stepConfigFromEnv()
	if err != nil {
		logger.Error("invalid step config", "error", err)
		os.Exit(2)
	}

	dockerCfg, err := dockerConfigFromEnv()
	if err != nil {
		logger.Error("invalid docker config", "error", err)
		os.Exit(2)
	}
	runner, err := containerrun.NewDockerRunner(logger, dockerCfg)
	if err != nil {
		logger.Error("docker runner unavailable", "error", err)
		os.Exit(1)
	}

	ex, closeExchange, err := newExchange(ctx)
	if err != nil {
		logger.Error("context exchange unavailable", "error", err)
		os.Exit(1)
	}
	defer closeExchange()

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var failureTrigger trigger.Trigger
	if stepCfg.OnFailureTriggerPipelineID != "" {
		timeout, err := env.Duration("MIPFLOW_SCHEDULER_TIMEOUT", 30*time.Second)
		if err != nil {
			logger.Error("invalid scheduler timeout", "error", err)
			os.Exit(2)
		}
		failureTrigger, err = trigger.NewHTTPTrigger(trigger.Config{
			BaseURL: env.String("MIPFLOW_SCHEDULER_URL", ""),
			Token:   env.String("MIPFLOW_SCHEDULER_TOKEN", ""),
			Timeout: timeout,
		})
		if err != nil {
			logger.Error("invalid scheduler config", "error", err)
			os.Exit(2)
		}
	}

	var archive step.LogArchive
	archiveCfg, err := logarchive.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid objectstore config", "error", err)
		os.Exit(2)
	}
	if archiveCfg.Enabled() {
		store, err := logarchive.New(ctx, archiveCfg)
		if err != nil {
			logger.Error("objectstore unavailable", "error", err)
			os.Exit(1)
		}
		archive = store
	}

	executor := &step.Executor{
		Logger:   logger,
		Exchange: ex,
		Runner:   runner,
		Stager: &staging.Stager{
			Logger:             logger,
			ContainerTmpDir:    env.String("MIPFLOW_CONTAINER_TMP_DIR", staging.DefaultContainerTmpDir),
			ContainerInputDir:  env.String("MIPFLOW_CONTAINER_INPUT_DIR", staging.DefaultContainerInputDir),
			ContainerOutputDir: env.String("MIPFLOW_CONTAINER_OUTPUT_DIR", staging.DefaultContainerOutputDir),
			Resolver:           outputFolderResolverFromEnv(),
		},
		Provenance: provstore.NewStore(db),
		Trigger:    failureTrigger,
		Archive:    archive,
		Config:     stepCfg,
	}

	if _, err := executor.Execute(ctx); err != nil {
		logger.Error("step failed", "task_id", stepCfg.TaskID, "error", err)
		os.Exit(1)
	}
}

func newExchange(ctx context.Context) (exchange.Exchange, func(), error) {
	backend := strings.TrimSpace(env.String("MIPFLOW_EXCHANGE_BACKEND", "diskv"))
	switch backend {
	case "redis":
		db, err := env.Int("MIPFLOW_EXCHANGE_REDIS_DB", 0)
		if err != nil {
			return nil, nil, err
		}
		ex, err := exchange.NewRedis(ctx, exchange.RedisConfig{
			Addr:      env.String("MIPFLOW_EXCHANGE_REDIS_ADDR", "localhost:6379"),
			Password:  env.String("MIPFLOW_EXCHANGE_REDIS_PASSWORD", ""),
			DB:        db,
			KeyPrefix: env.String("MIPFLOW_EXCHANGE_REDIS_PREFIX", "mipflow:xcom"),
		})
		if err != nil {
			return nil, nil, err
		}
		return ex, func() { _ = ex.Close() }, nil
	case "diskv":
		ex, err := exchange.NewDiskv(env.String("MIPFLOW_EXCHANGE_DISKV_PATH", "/var/lib/mipflow/exchange"))
		if err != nil {
			return nil, nil, err
		}
		return ex, func() {}, nil
	default:
		return nil, nil, &unknownBackendError{backend: backend}
	}
}

type unknownBackendError struct {
	backend string
}

func (e *unknownBackendError) Error() string {
	return "unsupported exchange backend: " + e.backend
}
