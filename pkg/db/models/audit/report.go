package audit

import (
	"time"

	"github.com/graphops/poiwatch/pkg/poi"
)

const ReportsTableName = "reports"

// ReportColumns defines the schema for the reports table. One row per
// resolved divergence between a pair of indexers.
var ReportColumns = []ColumnDef{
	{Name: "deployment", Type: "String", Codec: "ZSTD(1)"},
	{Name: "indexer_a", Type: "String", Codec: "ZSTD(1)"},
	{Name: "indexer_b", Type: "String", Codec: "ZSTD(1)"},
	{Name: "block_number", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "digest_a", Type: "FixedString(64)", Codec: "ZSTD(1)"},
	{Name: "digest_b", Type: "FixedString(64)", Codec: "ZSTD(1)"},
	{Name: "diverging_block", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "created_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// Report is one persisted cross-check outcome.
type Report struct {
	Deployment     string    `ch:"deployment" json:"deployment"`
	IndexerA       string    `ch:"indexer_a" json:"indexer_a"`
	IndexerB       string    `ch:"indexer_b" json:"indexer_b"`
	BlockNumber    uint64    `ch:"block_number" json:"block_number"`
	DigestA        string    `ch:"digest_a" json:"digest_a"`
	DigestB        string    `ch:"digest_b" json:"digest_b"`
	DivergingBlock uint64    `ch:"diverging_block" json:"diverging_block,omitempty"`
	CreatedAt      time.Time `ch:"created_at" json:"created_at"`
}

// NewReport converts a cross-check report into its row form.
func NewReport(rep *poi.CrossCheckReport) *Report {
	return &Report{
		Deployment:     rep.Deployment,
		IndexerA:       rep.IndexerA,
		IndexerB:       rep.IndexerB,
		BlockNumber:    rep.Block,
		DigestA:        hexDigest(rep.DigestA),
		DigestB:        hexDigest(rep.DigestB),
		DivergingBlock: rep.DivergingBlock,
		CreatedAt:      rep.CreatedAt,
	}
}
