package audit

import (
	"time"

	"github.com/graphops/poiwatch/pkg/poi"
)

const (
	DeploymentsTableName = "deployments"
	IndexersTableName    = "indexers"
)

// DeploymentColumns defines the schema for the tracked-deployments registry.
var DeploymentColumns = []ColumnDef{
	{Name: "id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "network", Type: "LowCardinality(String)"},
	{Name: "start_block", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "enabled", Type: "UInt8"},
	{Name: "updated_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// IndexerColumns defines the schema for the tracked-indexers registry.
var IndexerColumns = []ColumnDef{
	{Name: "id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "address", Type: "String", Codec: "ZSTD(1)"},
	{Name: "enabled", Type: "UInt8"},
	{Name: "updated_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// Deployment is one registry entry for a deployment under audit.
type Deployment struct {
	ID         string    `ch:"id" json:"id"`
	Network    string    `ch:"network" json:"network"`
	StartBlock uint64    `ch:"start_block" json:"start_block"`
	Enabled    uint8     `ch:"enabled" json:"enabled"`
	UpdatedAt  time.Time `ch:"updated_at" json:"updated_at"`
}

// Deployment converts the row into engine form.
func (d *Deployment) Deployment() poi.Deployment {
	return poi.Deployment{ID: d.ID, Network: d.Network, StartBlock: d.StartBlock}
}

// Indexer is one registry entry for an indexer under audit.
type Indexer struct {
	ID        string    `ch:"id" json:"id"`
	Address   string    `ch:"address" json:"address"`
	Enabled   uint8     `ch:"enabled" json:"enabled"`
	UpdatedAt time.Time `ch:"updated_at" json:"updated_at"`
}

// Indexer converts the row into engine form.
func (i *Indexer) Indexer() poi.Indexer {
	return poi.Indexer{ID: i.ID, Address: i.Address}
}
