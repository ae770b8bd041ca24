package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/db/clickhouse"
	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
)

// DB is the audit database: observed digests, divergence investigations,
// cross-check reports, and the registries of what to audit.
type DB struct {
	clickhouse.Client
	Name string
}

// New creates and initializes the audit database.
func New(ctx context.Context, logger *zap.Logger, name string, poolConfig ...*clickhouse.PoolConfig) (*DB, error) {
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", name)), name, poolConfig...)
	if err != nil {
		return nil, err
	}

	db := &DB{
		Client: client,
		Name:   name,
	}
	if err := db.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// InitializeDB ensures the audit database and its tables exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing audit database", zap.String("database", db.Name))

	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}
	if err := db.SwitchToTargetDatabase(ctx); err != nil {
		return err
	}

	if err := db.initPois(ctx); err != nil {
		return err
	}
	if err := db.initInvestigations(ctx); err != nil {
		return err
	}
	if err := db.initReports(ctx); err != nil {
		return err
	}
	if err := db.initRegistry(ctx); err != nil {
		return err
	}
	return nil
}

// insertSQL builds an INSERT statement whose column order follows the table's
// ColumnDef schema, so inserts never drift from table creation.
func (db *DB) insertSQL(table string, columns []auditmodels.ColumnDef) string {
	names := auditmodels.ColumnsToNameList(columns)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	return fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES (%s)`,
		db.Name, table, strings.Join(names, ", "), placeholders)
}

// Close terminates the underlying ClickHouse connection.
func (db *DB) Close() error {
	return db.Db.Close()
}

// GetConnection returns the underlying ClickHouse driver connection.
func (db *DB) GetConnection() driver.Conn {
	return db.Db
}

// DatabaseName returns the name of the audit database.
func (db *DB) DatabaseName() string {
	return db.Name
}
