package audit

import (
	"context"
	"fmt"

	"github.com/graphops/poiwatch/pkg/db/clickhouse"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/poi"
)

// initReports creates the reports table. The natural key makes re-finishing
// the same investigation idempotent.
func (db *DB) initReports(ctx context.Context) error {
	schemaSQL := auditmodels.ColumnsToSchemaSQL(auditmodels.ReportColumns)

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (deployment, indexer_a, indexer_b, block_number)
	`, db.Name, auditmodels.ReportsTableName, schemaSQL, db.Engine(clickhouse.ReplacingMergeTree, "created_at"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", auditmodels.ReportsTableName, err)
	}
	return nil
}

// PutReport upserts one cross-check report.
func (db *DB) PutReport(ctx context.Context, rep *poi.CrossCheckReport) error {
	row := auditmodels.NewReport(rep)
	query := db.insertSQL(auditmodels.ReportsTableName, auditmodels.ReportColumns)
	return db.Db.Exec(ctx, query,
		row.Deployment,
		row.IndexerA,
		row.IndexerB,
		row.BlockNumber,
		row.DigestA,
		row.DigestB,
		row.DivergingBlock,
		row.CreatedAt,
	)
}

// ListReports returns reports, optionally filtered by deployment, newest first.
func (db *DB) ListReports(ctx context.Context, deployment string, limit int) ([]*auditmodels.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT deployment, indexer_a, indexer_b, block_number,
		       digest_a, digest_b, diverging_block, created_at
		FROM "%s"."%s" FINAL
	`, db.Name, auditmodels.ReportsTableName)

	args := []interface{}{}
	if deployment != "" {
		query += " WHERE deployment = ?"
		args = append(args, deployment)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []*auditmodels.Report
	if err := db.SelectWithFinal(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return rows, nil
}
