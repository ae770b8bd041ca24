package audit

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/poi"
)

// Store is the full persistence surface of the audit database: the engine's
// poi.Store contract plus the query methods the API serves from.
type Store interface {
	poi.Store

	GetInvestigation(ctx context.Context, id string) (*poi.Investigation, error)
	ListInvestigations(ctx context.Context, status string, limit int) ([]*auditmodels.Investigation, error)
	ListActiveInvestigations(ctx context.Context) ([]*poi.Investigation, error)
	ListDigests(ctx context.Context, deployment string, limit int) ([]*auditmodels.Poi, error)
	ListReports(ctx context.Context, deployment string, limit int) ([]*auditmodels.Report, error)

	UpsertDeployment(ctx context.Context, d *auditmodels.Deployment) error
	UpsertIndexer(ctx context.Context, ix *auditmodels.Indexer) error
	ListDeployments(ctx context.Context) ([]*auditmodels.Deployment, error)
	ListIndexers(ctx context.Context) ([]*auditmodels.Indexer, error)
	AuditBatch(ctx context.Context) (*poi.Batch, error)

	GetConnection() driver.Conn
	DatabaseName() string
	Close() error
}

var _ Store = (*DB)(nil)
