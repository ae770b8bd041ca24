package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/graphops/poiwatch/pkg/db/clickhouse"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/poi"
	"github.com/graphops/poiwatch/pkg/utils"
)

// initRegistry creates the deployments and indexers registry tables.
func (db *DB) initRegistry(ctx context.Context) error {
	deploymentsQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (id)
	`, db.Name, auditmodels.DeploymentsTableName,
		auditmodels.ColumnsToSchemaSQL(auditmodels.DeploymentColumns),
		db.Engine(clickhouse.ReplacingMergeTree, "updated_at"))
	if err := db.Exec(ctx, deploymentsQuery); err != nil {
		return fmt.Errorf("create %s: %w", auditmodels.DeploymentsTableName, err)
	}

	indexersQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (id)
	`, db.Name, auditmodels.IndexersTableName,
		auditmodels.ColumnsToSchemaSQL(auditmodels.IndexerColumns),
		db.Engine(clickhouse.ReplacingMergeTree, "updated_at"))
	if err := db.Exec(ctx, indexersQuery); err != nil {
		return fmt.Errorf("create %s: %w", auditmodels.IndexersTableName, err)
	}
	return nil
}

// UpsertDeployment creates or updates a tracked deployment.
func (db *DB) UpsertDeployment(ctx context.Context, d *auditmodels.Deployment) error {
	d.UpdatedAt = time.Now().UTC()
	query := db.insertSQL(auditmodels.DeploymentsTableName, auditmodels.DeploymentColumns)
	return db.Db.Exec(ctx, query, d.ID, d.Network, d.StartBlock, d.Enabled, d.UpdatedAt)
}

// UpsertIndexer creates or updates a tracked indexer.
func (db *DB) UpsertIndexer(ctx context.Context, ix *auditmodels.Indexer) error {
	ix.UpdatedAt = time.Now().UTC()
	query := db.insertSQL(auditmodels.IndexersTableName, auditmodels.IndexerColumns)
	return db.Db.Exec(ctx, query, ix.ID, ix.Address, ix.Enabled, ix.UpdatedAt)
}

// ListDeployments returns all registered deployments.
func (db *DB) ListDeployments(ctx context.Context) ([]*auditmodels.Deployment, error) {
	query := fmt.Sprintf(`
		SELECT id, network, start_block, enabled, updated_at
		FROM "%s"."%s" FINAL
		ORDER BY id
	`, db.Name, auditmodels.DeploymentsTableName)
	var rows []*auditmodels.Deployment
	if err := db.SelectWithFinal(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return rows, nil
}

// ListIndexers returns all registered indexers.
func (db *DB) ListIndexers(ctx context.Context) ([]*auditmodels.Indexer, error) {
	query := fmt.Sprintf(`
		SELECT id, address, enabled, updated_at
		FROM "%s"."%s" FINAL
		ORDER BY id
	`, db.Name, auditmodels.IndexersTableName)
	var rows []*auditmodels.Indexer
	if err := db.SelectWithFinal(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list indexers: %w", err)
	}
	return rows, nil
}

// AuditBatch assembles the enabled deployments and indexers into one
// cross-check pass input.
func (db *DB) AuditBatch(ctx context.Context) (*poi.Batch, error) {
	deployments, err := db.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	indexers, err := db.ListIndexers(ctx)
	if err != nil {
		return nil, err
	}

	batch := &poi.Batch{}
	for _, d := range deployments {
		if d.Enabled == utils.BoolToUInt8(true) {
			batch.Deployments = append(batch.Deployments, d.Deployment())
		}
	}
	for _, ix := range indexers {
		if ix.Enabled == utils.BoolToUInt8(true) {
			batch.Indexers = append(batch.Indexers, ix.Indexer())
		}
	}
	return batch, nil
}
