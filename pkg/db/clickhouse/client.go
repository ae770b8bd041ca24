package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/retry"
	"github.com/graphops/poiwatch/pkg/utils"
)

// Client wraps a ClickHouse native connection with the helpers the audit
// stores need.
type Client struct {
	Logger         *zap.Logger
	Db             driver.Conn
	TargetDatabase string
}

// PoolConfig defines connection pool settings for a specific component.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Component       string
}

const (
	MergeTree          = "MergeTree"
	ReplacingMergeTree = "ReplacingMergeTree"
)

// New initializes and returns a new ClickHouse client. The connection is
// established against the default database; InitializeDB on the wrapping
// store creates and switches to the target database.
func New(ctx context.Context, logger *zap.Logger, dbName string, poolConfig ...*PoolConfig) (client Client, e error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger
	retryConfig := retry.DefaultConfig()

	dsn := utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000?sslmode=disable")
	username, password := extractCredentials(dsn)
	replicas := extractReplicas(dsn)

	var config PoolConfig
	if len(poolConfig) > 0 && poolConfig[0] != nil {
		config = *poolConfig[0]
	} else {
		config = PoolConfig{
			MaxOpenConns:    utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour),
			Component:       "unknown",
		}
	}

	options := &clickhouse.Options{
		Addr: replicas,
		// First replica first, fall back on failure. Keeps read-after-write
		// consistency for the cross-check pass.
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		Auth: clickhouse.Auth{
			Database: "default",
			Username: username,
			Password: password,
		},
		DialTimeout:     30 * time.Second,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"prefer_column_name_to_alias": 1,
		},
	}

	if logger != nil && logger.Core().Enabled(zap.DebugLevel) {
		sugar := logger.Named("clickhouse.driver").Sugar()
		options.Debugf = sugar.Debugf
	}

	err := retry.WithBackoff(connCtx, retryConfig, logger, "clickhouse_connection", func() error {
		conn, err := clickhouse.Open(options)
		if err != nil {
			return fmt.Errorf("failed to open clickhouse connection: %w", err)
		}
		if err := conn.Ping(connCtx); err != nil {
			return fmt.Errorf("failed to ping clickhouse: %w", err)
		}

		client.Db = conn
		client.TargetDatabase = dbName

		client.Logger.Info("ClickHouse connection pool configured",
			zap.String("database", dbName),
			zap.String("component", config.Component),
			zap.Strings("replicas", replicas),
			zap.Int("max_open_conns", config.MaxOpenConns),
			zap.Int("max_idle_conns", config.MaxIdleConns),
			zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
		)
		return nil
	})
	if err != nil {
		return Client{}, err
	}
	return client, nil
}

// OnCluster returns the ON CLUSTER clause for DDL statements, or an empty
// string when running against a single node.
func (c *Client) OnCluster() string {
	if cluster := utils.Env("CLICKHOUSE_CLUSTER", ""); cluster != "" {
		return "ON CLUSTER " + cluster
	}
	return ""
}

// DbEngine returns the database engine type as a string.
func (c *Client) DbEngine() string {
	return "ENGINE = Atomic"
}

// Engine returns the table engine clause, replicated when a cluster is
// configured. For ReplacingMergeTree pass the version column, otherwise "".
func (c *Client) Engine(engine, versionCol string) string {
	if utils.Env("CLICKHOUSE_CLUSTER", "") != "" {
		// Omitting ZK paths lets ClickHouse auto-generate UUID-based paths,
		// which survive drop/recreate cycles.
		engine = "Replicated" + engine
	}
	if versionCol != "" {
		return fmt.Sprintf("%s(%s)", engine, versionCol)
	}
	return engine
}

// CreateDbIfNotExists ensures that the specified database exists.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s %s %s", dbName, c.OnCluster(), c.DbEngine())
	c.Logger.Info("Creating database", zap.String("database", dbName), zap.String("query", query))
	return c.Exec(ctx, query)
}

// SwitchToTargetDatabase closes the current connection and reconnects to the
// TargetDatabase. Called after CreateDbIfNotExists so the first boot against
// an empty server works.
func (c *Client) SwitchToTargetDatabase(ctx context.Context) error {
	if c.TargetDatabase == "" {
		return errors.New("TargetDatabase is not set")
	}

	dsn := utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000")
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("failed to parse CLICKHOUSE_ADDR DSN: %w", err)
	}

	if err := c.Db.Close(); err != nil {
		c.Logger.Warn("Failed to close existing connection during database switch", zap.Error(err))
	}

	options.Auth.Database = c.TargetDatabase
	options.DialTimeout = 30 * time.Second
	if options.Compression == nil {
		options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open connection to database %s: %w", c.TargetDatabase, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database %s: %w", c.TargetDatabase, err)
	}

	c.Db = conn
	c.Logger.Info("Switched to target database", zap.String("database", c.TargetDatabase))
	return nil
}

// SanitizeName sanitizes an identifier to be compatible with ClickHouse.
func SanitizeName(id string) string {
	s := strings.ToLower(id)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

// Exec executes a raw SQL statement.
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.Db.Exec(ctx, query, args...)
}

// QueryRow queries a single row.
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	return c.Db.QueryRow(ctx, query, args...)
}

// Query queries multiple rows.
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return c.Db.Query(ctx, query, args...)
}

// Select selects into a slice.
func (c *Client) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return c.Db.Select(ctx, dest, query, args...)
}

// SelectWithFinal enforces FINAL usage on reads from ReplacingMergeTree
// tables, where unmerged row versions would otherwise leak into results.
func (c *Client) SelectWithFinal(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if !strings.Contains(query, "FINAL") {
		return fmt.Errorf("SelectWithFinal called but query doesn't contain FINAL keyword - ensure FINAL is placed after table name")
	}
	return c.Db.Select(ctx, dest, query, args...)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.Db.Close()
}

// PartitionInfo represents metadata about a ClickHouse table partition.
type PartitionInfo struct {
	Database  string    `ch:"database"`
	Table     string    `ch:"table"`
	Partition string    `ch:"partition"`
	Rows      uint64    `ch:"rows"`
	Bytes     uint64    `ch:"bytes"`
	MaxDate   time.Time `ch:"max_date"`
}

// GetPartitions retrieves active partition metadata for a table.
func (c *Client) GetPartitions(ctx context.Context, database, table string) ([]PartitionInfo, error) {
	query := `
		SELECT database, table, partition, rows, bytes, max_date
		FROM system.parts
		WHERE database = ? AND table = ? AND active = 1
		ORDER BY partition
	`
	var partitions []PartitionInfo
	if err := c.Select(ctx, &partitions, query, database, table); err != nil {
		return nil, fmt.Errorf("get partitions for %s.%s: %w", database, table, err)
	}
	return partitions, nil
}

// DropOldPartitions drops partitions whose newest rows are older than the
// retention period. Used to age out probe digests without unbounded growth.
func (c *Client) DropOldPartitions(ctx context.Context, database, table string, retention time.Duration) ([]string, error) {
	partitions, err := c.GetPartitions(ctx, database, table)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-retention)
	dropped := make([]string, 0)
	for _, p := range partitions {
		if !p.MaxDate.Before(cutoff) {
			continue
		}
		dropQuery := fmt.Sprintf(`ALTER TABLE "%s"."%s" %s DROP PARTITION '%s'`, database, table, c.OnCluster(), p.Partition)
		c.Logger.Info("Dropping old partition",
			zap.String("database", database),
			zap.String("table", table),
			zap.String("partition", p.Partition),
			zap.Time("max_date", p.MaxDate),
			zap.Uint64("rows", p.Rows))
		if err := c.Exec(ctx, dropQuery); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", p.Partition, err)
		}
		dropped = append(dropped, p.Partition)
	}
	return dropped, nil
}

// IsNoRows checks if the error is a no-rows error.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// extractReplicas parses comma-separated replica addresses from a DSN.
func extractReplicas(dsn string) []string {
	cleaned := strings.TrimPrefix(dsn, "clickhouse://")
	cleaned = strings.TrimPrefix(cleaned, "tcp://")

	hostPart := cleaned
	if idx := strings.Index(cleaned, "@"); idx != -1 {
		hostPart = cleaned[idx+1:]
	}
	if idx := strings.IndexAny(hostPart, "/?"); idx != -1 {
		hostPart = hostPart[:idx]
	}

	replicas := strings.Split(hostPart, ",")
	result := make([]string, 0, len(replicas))
	for _, r := range replicas {
		r = strings.TrimSpace(r)
		if r != "" {
			result = append(result, r)
		}
	}
	if len(result) == 0 {
		return []string{"localhost:9000"}
	}
	return result
}

// extractCredentials extracts username and password from a DSN string.
func extractCredentials(dsn string) (string, string) {
	dsn = strings.TrimPrefix(dsn, "clickhouse://")
	dsn = strings.TrimPrefix(dsn, "tcp://")

	atIdx := strings.Index(dsn, "@")
	if atIdx == -1 {
		return "default", ""
	}
	credentials := dsn[:atIdx]
	colonIdx := strings.Index(credentials, ":")
	if colonIdx == -1 {
		return credentials, ""
	}
	return credentials[:colonIdx], credentials[colonIdx+1:]
}
