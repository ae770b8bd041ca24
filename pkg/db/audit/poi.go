package audit

import (
	"context"
	"fmt"

	"github.com/graphops/poiwatch/pkg/db/clickhouse"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/poi"
)

// initPois creates the pois table. Monthly partitions let the retention job
// age out probe digests with cheap partition drops instead of row deletes.
func (db *DB) initPois(ctx context.Context) error {
	schemaSQL := auditmodels.ColumnsToSchemaSQL(auditmodels.PoiColumns)

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			%s
		) ENGINE = %s
		PARTITION BY toYYYYMM(observed_at)
		ORDER BY (deployment, indexer, block_number)
	`, db.Name, auditmodels.PoisTableName, schemaSQL, db.Engine(clickhouse.ReplacingMergeTree, "updated_at"))
	if err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", auditmodels.PoisTableName, err)
	}
	return nil
}

// PutDigest upserts one observed digest. ReplacingMergeTree dedupes by
// (deployment, indexer, block_number) keeping the latest updated_at, so
// re-observing the same digest is a no-op at read time.
func (db *DB) PutDigest(ctx context.Context, rec *poi.DigestRecord, liveness poi.Liveness) error {
	row := auditmodels.NewPoi(rec, liveness)
	query := db.insertSQL(auditmodels.PoisTableName, auditmodels.PoiColumns)
	return db.Db.Exec(ctx, query,
		row.Deployment,
		row.Indexer,
		row.BlockNumber,
		row.BlockHash,
		row.Digest,
		row.Liveness,
		row.ObservedAt,
		row.UpdatedAt,
	)
}

// GetDigest returns the latest (deduped) digest row for the exact key, or nil
// if none is stored.
func (db *DB) GetDigest(ctx context.Context, deployment, indexer string, block uint64) (*poi.DigestRecord, error) {
	var row auditmodels.Poi
	query := fmt.Sprintf(`
		SELECT deployment, indexer, block_number, block_hash, digest, liveness, observed_at, updated_at
		FROM "%s"."%s" FINAL
		WHERE deployment = ? AND indexer = ? AND block_number = ?
		LIMIT 1
	`, db.Name, auditmodels.PoisTableName)
	err := db.QueryRow(ctx, query, deployment, indexer, block).Scan(
		&row.Deployment,
		&row.Indexer,
		&row.BlockNumber,
		&row.BlockHash,
		&row.Digest,
		&row.Liveness,
		&row.ObservedAt,
		&row.UpdatedAt,
	)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get digest %s/%s@%d: %w", deployment, indexer, block, err)
	}
	return row.Record()
}

// LatestAgreeingBlock returns the highest block strictly below `before` where
// both indexers have stored digests and they agree. Used to seed the low end
// of a bisection bracket from observation history.
func (db *DB) LatestAgreeingBlock(ctx context.Context, deployment, indexerA, indexerB string, before uint64) (uint64, bool, error) {
	query := fmt.Sprintf(`
		SELECT a.block_number
		FROM "%s"."%s" AS a FINAL
		INNER JOIN "%s"."%s" AS b FINAL
			ON a.deployment = b.deployment
			AND a.block_number = b.block_number
			AND a.digest = b.digest
		WHERE a.deployment = ?
			AND a.indexer = ?
			AND b.indexer = ?
			AND a.block_number < ?
		ORDER BY a.block_number DESC
		LIMIT 1
	`, db.Name, auditmodels.PoisTableName, db.Name, auditmodels.PoisTableName)

	var block uint64
	err := db.QueryRow(ctx, query, deployment, indexerA, indexerB, before).Scan(&block)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("latest agreeing block for %s (%s, %s): %w", deployment, indexerA, indexerB, err)
	}
	return block, true, nil
}

// ListDigests returns the most recently observed digests for a deployment,
// newest blocks first.
func (db *DB) ListDigests(ctx context.Context, deployment string, limit int) ([]*auditmodels.Poi, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT deployment, indexer, block_number, block_hash, digest, liveness, observed_at, updated_at
		FROM "%s"."%s" FINAL
		WHERE deployment = ?
		ORDER BY block_number DESC, indexer ASC
		LIMIT ?
	`, db.Name, auditmodels.PoisTableName)

	var rows []*auditmodels.Poi
	if err := db.SelectWithFinal(ctx, &rows, query, deployment, limit); err != nil {
		return nil, fmt.Errorf("list digests for %s: %w", deployment, err)
	}
	return rows, nil
}
