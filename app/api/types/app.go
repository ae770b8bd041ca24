package types

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/db/audit"
	"github.com/graphops/poiwatch/pkg/redis"
	"github.com/graphops/poiwatch/pkg/temporal"
)

// User is one API login. The password hash is bcrypt.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

type App struct {
	AuditDB        audit.Store
	RedisClient    *redis.Client
	TemporalClient *temporal.Client
	// Cron drives periodic maintenance, currently old-partition retention on
	// the pois table.
	Cron *cron.Cron
	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	if a.Cron != nil {
		a.Cron.Start()
	}
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if err := a.AuditDB.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}

	_ = a.Server.Shutdown(shutdownCtx)
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("API stopped")
}
