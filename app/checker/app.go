// Package checker is the process that runs height, ping and validation rounds
// on cron schedules and on manual triggers.
package checker

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/clickhouse"
	"github.com/canopy-network/chainheights/pkg/db/memory"
	"github.com/canopy-network/chainheights/pkg/db/postgres"
	"github.com/canopy-network/chainheights/pkg/db/postgres/heights"
	"github.com/canopy-network/chainheights/pkg/logging"
	"github.com/canopy-network/chainheights/pkg/orchestrator"
	"github.com/canopy-network/chainheights/pkg/redis"
	"github.com/canopy-network/chainheights/pkg/telemetry"
	"github.com/canopy-network/chainheights/pkg/utils"
	"github.com/canopy-network/chainheights/pkg/validation"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App wires the engines to their schedules.
type App struct {
	Store     db.Store
	Sink      *clickhouse.Sink
	Redis     *redis.Client
	Pool      pond.Pool
	Engine    *orchestrator.Engine
	Validator *validation.Engine

	// Cron triggers the entry points according to Schedules.
	Cron      *cron.Cron
	Schedules Schedules
	Retention time.Duration

	Logger *zap.Logger
	Server *http.Server

	started        atomic.Bool
	tracerShutdown func(context.Context) error
}

// Initialize builds the App from the environment. Unrecoverable setup errors are fatal.
func Initialize(ctx context.Context) *App {
	if err := utils.LoadDotEnv(); err != nil {
		// .env is optional
		_, _ = os.Stderr.WriteString("unable to load .env: " + err.Error() + "\n")
	}
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	tracerShutdown, err := telemetry.InitTracer(ctx, "chainheights-checker", utils.Env("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	var store db.Store
	switch backend := utils.Env("STORE", "postgres"); backend {
	case "memory":
		logger.Warn("Using in-memory store, results are lost on restart")
		store = memory.New()
	case "postgres":
		heightsDB, err := heights.NewWithPoolConfig(ctx, logger, utils.Env("CHAINHEIGHTS_DB", "chainheights"),
			postgres.GetPoolConfigForComponent("checker"))
		if err != nil {
			logger.Fatal("Unable to initialize chain heights database", zap.Error(err))
		}
		store = heightsDB
	default:
		logger.Fatal("Unknown STORE backend", zap.String("store", backend))
	}

	var sink *clickhouse.Sink
	if addr := utils.Env("CLICKHOUSE_ADDR", ""); addr != "" {
		sink, err = clickhouse.NewSink(ctx, logger, addr, utils.Env("CLICKHOUSE_DB", "chainheights"))
		if err != nil {
			logger.Fatal("Unable to initialize analytics sink", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - events and manual triggers disabled", zap.Error(err))
			redisClient = nil
		}
	} else {
		logger.Info("Redis disabled - events and manual triggers will not be available")
	}

	registry, err := BuildRegistry(logger, RegistryConfigFromEnv())
	if err != nil {
		logger.Fatal("Unable to build provider registry", zap.Error(err))
	}

	maxWorkers := utils.EnvInt("WORKER_POOL_SIZE", 32)
	pool := pond.NewPool(maxWorkers, pond.WithQueueSize(utils.EnvInt("WORKER_QUEUE_SIZE", 4096)))
	logger.Info("Worker pool ready", zap.Int("max_workers", maxWorkers))

	engine := orchestrator.New(logger.Named("orchestrator"), store, registry, pool)
	validationCfg := validation.DefaultConfig()
	validationCfg.BootstrapBlocks = uint64(utils.EnvInt64("VALIDATION_BOOTSTRAP_BLOCKS", validation.DefaultBootstrapBlocks))
	validationCfg.StaleAfter = utils.EnvDuration("VALIDATION_STALE_AFTER", validation.DefaultStaleAfter)
	validationCfg.Retry.MaxRetries = utils.EnvInt("BLOCK_FETCH_ATTEMPTS", validationCfg.Retry.MaxRetries)
	validator := validation.New(logger.Named("validation"), store, registry, pool, validationCfg)

	if sink != nil {
		engine.Sink = sink
		validator.Sink = sink
	}
	if redisClient != nil {
		engine.Notifier = redisClient
		validator.Notifier = redisClient
	}

	app := &App{
		Store:          store,
		Sink:           sink,
		Redis:          redisClient,
		Pool:           pool,
		Engine:         engine,
		Validator:      validator,
		Schedules:      SchedulesFromEnv(),
		Retention:      utils.EnvDuration("RESULT_RETENTION", 14*24*time.Hour),
		Logger:         logger,
		tracerShutdown: tracerShutdown,
	}

	if err := app.SetupScheduler(ctx, logging.NewCronAdapter(logger)); err != nil {
		logger.Fatal("Unable to set up scheduler", zap.Error(err))
	}
	app.SetupServer()

	// chains are persisted before the first round so the admin API can list them
	if _, err := engine.Discover(ctx); err != nil {
		logger.Warn("Initial discovery failed", zap.Error(err))
	}

	return app
}

// Start runs the scheduler, the trigger consumer and the health server until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.StartCron()
	if a.Redis != nil {
		go a.ConsumeTriggers(ctx)
	}
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Health server stopped", zap.Error(err))
		}
	}()
	a.started.Store(true)
	a.Logger.Info("Checker started", zap.String("addr", a.Server.Addr))

	<-ctx.Done()
	a.Stop()
}

// Stop drains in-flight rounds and releases every connection.
func (a *App) Stop() {
	a.started.Store(false)
	a.StopCron()
	a.Pool.StopAndWait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Sink != nil {
		if err := a.Sink.Close(); err != nil {
			a.Logger.Error("Failed to close analytics sink", zap.Error(err))
		}
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		_ = a.tracerShutdown(shutdownCtx)
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
