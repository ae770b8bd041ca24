package audit

import (
	"context"
	"fmt"

	"github.com/graphops/poiwatch/pkg/db/clickhouse"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/poi"
)

// initInvestigations creates the investigations table.
// ReplacingMergeTree(updated_at) ORDER BY (id): every persisted snapshot of a
// running bisection replaces the previous one.
func (db *DB) initInvestigations(ctx context.Context) error {
	schemaSQL := auditmodels.ColumnsToSchemaSQL(auditmodels.InvestigationColumns)

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		ORDER BY (id)
	`, db.Name, auditmodels.InvestigationsTableName, schemaSQL, db.Engine(clickhouse.ReplacingMergeTree, "updated_at"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", auditmodels.InvestigationsTableName, err)
	}
	return nil
}

// PutInvestigation upserts the current state of an investigation.
func (db *DB) PutInvestigation(ctx context.Context, inv *poi.Investigation) error {
	row, err := auditmodels.NewInvestigation(inv)
	if err != nil {
		return err
	}
	query := db.insertSQL(auditmodels.InvestigationsTableName, auditmodels.InvestigationColumns)
	return db.Db.Exec(ctx, query,
		row.ID,
		row.Deployment,
		row.IndexerA,
		row.IndexerB,
		row.OriginBlock,
		row.Low,
		row.High,
		row.Status,
		row.Reason,
		row.DivergingBlock,
		row.Probes,
		row.CreatedAt,
		row.UpdatedAt,
	)
}

// FindInvestigation returns the investigation for the natural key, or nil if
// none exists.
func (db *DB) FindInvestigation(ctx context.Context, deployment, indexerA, indexerB string, origin uint64) (*poi.Investigation, error) {
	return db.GetInvestigation(ctx, poi.InvestigationID(deployment, indexerA, indexerB, origin))
}

// GetInvestigation returns the latest (deduped) investigation row by ID, or
// nil if absent.
func (db *DB) GetInvestigation(ctx context.Context, id string) (*poi.Investigation, error) {
	var row auditmodels.Investigation
	query := fmt.Sprintf(`
		SELECT id, deployment, indexer_a, indexer_b, origin_block, low, high,
		       status, reason, diverging_block, probes, created_at, updated_at
		FROM "%s"."%s" FINAL
		WHERE id = ?
		LIMIT 1
	`, db.Name, auditmodels.InvestigationsTableName)
	err := db.QueryRow(ctx, query, id).Scan(
		&row.ID,
		&row.Deployment,
		&row.IndexerA,
		&row.IndexerB,
		&row.OriginBlock,
		&row.Low,
		&row.High,
		&row.Status,
		&row.Reason,
		&row.DivergingBlock,
		&row.Probes,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get investigation %s: %w", id, err)
	}
	return row.Investigation()
}

// ListInvestigations returns investigations filtered by status ("" for all),
// most recently updated first.
func (db *DB) ListInvestigations(ctx context.Context, status string, limit int) ([]*auditmodels.Investigation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, deployment, indexer_a, indexer_b, origin_block, low, high,
		       status, reason, diverging_block, probes, created_at, updated_at
		FROM "%s"."%s" FINAL
	`, db.Name, auditmodels.InvestigationsTableName)

	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []*auditmodels.Investigation
	if err := db.SelectWithFinal(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list investigations: %w", err)
	}
	return rows, nil
}

// ListActiveInvestigations returns every investigation still in flight, used
// at startup to resume bisections the previous process abandoned.
func (db *DB) ListActiveInvestigations(ctx context.Context) ([]*poi.Investigation, error) {
	rows, err := db.ListInvestigations(ctx, string(poi.StatusActive), 1000)
	if err != nil {
		return nil, err
	}
	out := make([]*poi.Investigation, 0, len(rows))
	for _, row := range rows {
		inv, err := row.Investigation()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}
