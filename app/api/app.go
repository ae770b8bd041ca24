package api

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/app/api/types"
	"github.com/graphops/poiwatch/pkg/db/audit"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/logging"
	"github.com/graphops/poiwatch/pkg/redis"
	"github.com/graphops/poiwatch/pkg/temporal"
	"github.com/graphops/poiwatch/pkg/utils"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	auditDb, err := audit.New(ctx, logger, utils.Env("AUDIT_DB", "poiwatch"))
	if err != nil {
		logger.Fatal("Unable to initialize audit database", zap.Error(err))
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	// Redis backs the websocket bridge and the event history endpoint; the
	// rest of the API works without it.
	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", true) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - real-time events will be disabled",
				zap.Error(err))
			redisClient = nil
		}
	} else {
		logger.Info("Redis disabled - real-time events will not be available")
	}

	app := &types.App{
		AuditDB:        auditDb,
		RedisClient:    redisClient,
		TemporalClient: temporalClient,
		Logger:         logger,
	}

	if err := setupRetention(ctx, app, auditDb); err != nil {
		logger.Fatal("Unable to set up retention schedule", zap.Error(err))
	}

	return app
}

// setupRetention schedules a daily drop of pois partitions older than the
// configured retention. Zero months keeps everything forever.
func setupRetention(ctx context.Context, app *types.App, auditDb *audit.DB) error {
	months := utils.EnvInt("POI_RETENTION_MONTHS", 0)
	if months <= 0 {
		app.Logger.Info("POI retention disabled, keeping all partitions")
		return nil
	}
	retention := time.Duration(months) * 30 * 24 * time.Hour

	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := app.Cron.AddFunc(utils.Env("POI_RETENTION_CRON", "0 0 3 * * *"), func() {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		dropped, dropErr := auditDb.DropOldPartitions(rctx, auditDb.DatabaseName(), auditmodels.PoisTableName, retention)
		if dropErr != nil {
			app.Logger.Error("POI retention sweep failed", zap.Error(dropErr))
			return
		}
		if len(dropped) > 0 {
			app.Logger.Info("Dropped old POI partitions", zap.Strings("partitions", dropped))
		}
	})
	return err
}
