package admin

import (
	"context"

	"github.com/canopy-network/chainheights/app/admin/types"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/memory"
	"github.com/canopy-network/chainheights/pkg/db/postgres"
	"github.com/canopy-network/chainheights/pkg/db/postgres/heights"
	"github.com/canopy-network/chainheights/pkg/logging"
	"github.com/canopy-network/chainheights/pkg/redis"
	"github.com/canopy-network/chainheights/pkg/utils"
	"go.uber.org/zap"
)

func Initialize(ctx context.Context) *types.App {
	_ = utils.LoadDotEnv()
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	var store db.Store
	switch backend := utils.Env("STORE", "postgres"); backend {
	case "memory":
		store = memory.New()
	case "postgres":
		heightsDB, err := heights.NewWithPoolConfig(ctx, logger, utils.Env("CHAINHEIGHTS_DB", "chainheights"),
			postgres.GetPoolConfigForComponent("admin"))
		if err != nil {
			logger.Fatal("Unable to initialize chain heights database", zap.Error(err))
		}
		store = heightsDB
	default:
		logger.Fatal("Unknown STORE backend", zap.String("store", backend))
	}

	// Initialize Redis client for real-time WebSocket events and manual triggers (optional)
	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - WebSocket events and triggers will be disabled",
				zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Redis client initialized for WebSocket real-time events")
		}
	} else {
		logger.Info("Redis disabled - WebSocket real-time events will not be available")
	}

	return &types.App{
		Store:       store,
		RedisClient: redisClient,
		Logger:      logger,
	}
}
