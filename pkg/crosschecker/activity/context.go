package activity

import (
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/db/audit"
	"github.com/graphops/poiwatch/pkg/poi"
)

// Context carries the dependencies shared by all cross-checker activities.
// The network client typically serves as both Fetcher and Statuses.
type Context struct {
	Logger   *zap.Logger
	AuditDB  audit.Store
	Fetcher  poi.Fetcher
	Statuses poi.StatusFetcher
	Events   poi.Events

	RunnerConfig poi.RunnerConfig
}
