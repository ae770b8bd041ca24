package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColumnSQL(t *testing.T) {
	assert.Equal(t, "digest FixedString(64) CODEC(ZSTD(1))",
		ColumnDef{Name: "digest", Type: "FixedString(64)", Codec: "ZSTD(1)"}.SQL())
	assert.Equal(t, "liveness LowCardinality(String)",
		ColumnDef{Name: "liveness", Type: "LowCardinality(String)"}.SQL())
}

// The insert builders derive their column order from these lists, so the
// order must match the positional arguments each Put/Upsert passes.
func TestColumnNameListsMatchRowOrder(t *testing.T) {
	assert.Equal(t,
		[]string{"deployment", "indexer", "block_number", "block_hash", "digest", "liveness", "observed_at", "updated_at"},
		ColumnsToNameList(PoiColumns))
	assert.Equal(t,
		[]string{"id", "deployment", "indexer_a", "indexer_b", "origin_block", "low", "high", "status", "reason", "diverging_block", "probes", "created_at", "updated_at"},
		ColumnsToNameList(InvestigationColumns))
	assert.Equal(t,
		[]string{"deployment", "indexer_a", "indexer_b", "block_number", "digest_a", "digest_b", "diverging_block", "created_at"},
		ColumnsToNameList(ReportColumns))
	assert.Equal(t,
		[]string{"id", "network", "start_block", "enabled", "updated_at"},
		ColumnsToNameList(DeploymentColumns))
	assert.Equal(t,
		[]string{"id", "address", "enabled", "updated_at"},
		ColumnsToNameList(IndexerColumns))
}
