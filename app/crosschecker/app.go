package crosschecker

import (
	"context"
	"errors"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/crosschecker/activity"
	"github.com/graphops/poiwatch/pkg/crosschecker/types"
	"github.com/graphops/poiwatch/pkg/crosschecker/workflow"
	"github.com/graphops/poiwatch/pkg/db/audit"
	"github.com/graphops/poiwatch/pkg/graphql"
	"github.com/graphops/poiwatch/pkg/logging"
	"github.com/graphops/poiwatch/pkg/poi"
	"github.com/graphops/poiwatch/pkg/redis"
	"github.com/graphops/poiwatch/pkg/temporal"
	"github.com/graphops/poiwatch/pkg/utils"
)

type App struct {
	CrossCheckWorker worker.Worker
	BisectWorker     worker.Worker
	TemporalClient   *temporal.Client
	AuditDB          *audit.DB
	RedisClient      *redis.Client
	Logger           *zap.Logger
}

// Start starts both workers and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.CrossCheckWorker.Start(); err != nil {
		a.Logger.Fatal("Unable to start cross-check worker", zap.Error(err))
	}
	if err := a.BisectWorker.Start(); err != nil {
		a.Logger.Fatal("Unable to start bisect worker", zap.Error(err))
	}
	<-ctx.Done()
	a.Stop()
}

// Stop stops the workers and closes the shared clients.
func (a *App) Stop() {
	a.CrossCheckWorker.Stop()
	a.BisectWorker.Stop()
	a.TemporalClient.Close()
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	_ = a.AuditDB.Close()
	a.Logger.Info("Cross-checker stopped")
}

// Initialize wires the cross-checker: audit database, network client, event
// publisher, Temporal workers on both queues, and the recurring pass schedule.
func Initialize(ctx context.Context) *App {
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

	// Event notifications are best-effort; the audit loop runs fine without
	// Redis, subscribers just see nothing.
	var events poi.Events
	redisClient, redisErr := redis.NewClient(ctx, logger)
	if redisErr != nil {
		logger.Warn("Redis unavailable, investigation events disabled", zap.Error(redisErr))
	} else {
		events = redis.NewPublisher(redisClient, logger)
	}

	network := graphql.NewNetworkClient(logger, graphql.Opts{
		Timeout: utils.EnvDuration("GRAPHQL_TIMEOUT", 30*time.Second),
		RPS:     utils.EnvInt("GRAPHQL_RPS", 20),
		Burst:   utils.EnvInt("GRAPHQL_BURST", 40),
	})

	activityContext := &activity.Context{
		Logger:       logger,
		AuditDB:      auditDb,
		Fetcher:      network,
		Statuses:     network,
		Events:       events,
		RunnerConfig: runnerConfigFromEnv(logger),
	}
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
	}

	// The pass worker polls the crosscheck queue; bisections get their own
	// worker and queue so a backlog of them never delays the next pass.
	crossCheckWorker := worker.New(
		temporalClient.TClient,
		temporal.QueueCrossCheck,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 2,
			MaxConcurrentActivityTaskPollers: 2,
			WorkerStopTimeout:                1 * time.Minute,
		},
	)
	crossCheckWorker.RegisterWorkflowWithOptions(
		workflowContext.CrossCheckWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.CrossCheckWorkflowName},
	)
	crossCheckWorker.RegisterActivity(activityContext.RunCrossCheckPass)
	crossCheckWorker.RegisterActivity(activityContext.ListActiveInvestigations)

	bisectWorker := worker.New(
		temporalClient.TClient,
		temporal.QueueBisect,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 5,
			MaxConcurrentActivityTaskPollers: 5,
			// Each bisection activity bounds its own fetch concurrency; this
			// caps how many investigations run on one worker at once.
			MaxConcurrentActivityExecutionSize: utils.EnvInt("BISECT_MAX_CONCURRENT", 10),
			WorkerStopTimeout:                  1 * time.Minute,
		},
	)
	bisectWorker.RegisterWorkflowWithOptions(
		workflowContext.BisectionWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.BisectionWorkflowName},
	)
	bisectWorker.RegisterActivity(activityContext.RunBisection)

	app := &App{
		CrossCheckWorker: crossCheckWorker,
		BisectWorker:     bisectWorker,
		TemporalClient:   temporalClient,
		AuditDB:          auditDb,
		RedisClient:      redisClient,
		Logger:           logger,
	}
	if err := app.EnsureCrossCheckSchedule(ctx); err != nil {
		logger.Fatal("Unable to ensure cross-check schedule", zap.Error(err))
	}
	return app
}

// EnsureCrossCheckSchedule creates the recurring pass schedule if it does not
// already exist.
func (a *App) EnsureCrossCheckSchedule(ctx context.Context) error {
	id := temporal.ScheduleCrossCheck
	h := a.TemporalClient.TSClient.GetHandle(ctx, id)
	if _, err := h.Describe(ctx); err == nil {
		a.Logger.Info("Cross-check schedule already exists", zap.String("id", id))
		return nil
	} else {
		var notFound *serviceerror.NotFound
		if !errors.As(err, &notFound) {
			return err
		}
	}

	interval := utils.EnvDuration("CROSSCHECK_INTERVAL", 10*time.Minute)
	a.Logger.Info("Creating cross-check schedule",
		zap.String("id", id), zap.Duration("interval", interval))
	_, err := a.TemporalClient.TSClient.Create(ctx, client.ScheduleOptions{
		ID:   id,
		Spec: temporal.GetScheduleSpec(interval),
		Action: &client.ScheduleWorkflowAction{
			Workflow:                 workflow.CrossCheckWorkflowName,
			Args:                     []interface{}{types.CrossCheckInput{}},
			TaskQueue:                temporal.QueueCrossCheck,
			WorkflowExecutionTimeout: 1 * time.Hour,
			WorkflowTaskTimeout:      2 * time.Minute,
		},
		// A pass that overruns the interval skips the next slot rather than
		// stacking overlapping sweeps.
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	return err
}

func runnerConfigFromEnv(logger *zap.Logger) poi.RunnerConfig {
	cfg := poi.DefaultRunnerConfig()
	cfg.MaxConcurrentFetches = utils.EnvInt("CROSSCHECK_MAX_FETCHES", cfg.MaxConcurrentFetches)
	cfg.FetchTimeout = utils.EnvDuration("CROSSCHECK_FETCH_TIMEOUT", cfg.FetchTimeout)

	policy, err := poi.ParseBlockChoicePolicy(utils.Env("CROSSCHECK_BLOCK_CHOICE", ""))
	if err != nil {
		logger.Warn("Invalid block choice policy, using default", zap.Error(err))
		policy = poi.ChoiceMaxAgreement
	}
	cfg.BlockChoice = policy

	cfg.Bisect.FetchTimeout = utils.EnvDuration("BISECT_FETCH_TIMEOUT", cfg.Bisect.FetchTimeout)
	cfg.Bisect.FetchAttempts = utils.EnvInt("BISECT_FETCH_ATTEMPTS", cfg.Bisect.FetchAttempts)
	cfg.Bisect.MaxFetchAttempts = utils.EnvInt("BISECT_MAX_FETCH_ATTEMPTS", cfg.Bisect.MaxFetchAttempts)
	cfg.Bisect.RevalidateLow = utils.EnvBool("BISECT_REVALIDATE_LOW", cfg.Bisect.RevalidateLow)
	return cfg
}
