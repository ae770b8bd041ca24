package audit

import (
	"time"

	"github.com/graphops/poiwatch/pkg/poi"
)

const PoisTableName = "pois"

// PoiColumns defines the schema for the pois table. One row per observed
// (deployment, indexer, block) digest; re-observations replace by updated_at.
var PoiColumns = []ColumnDef{
	{Name: "deployment", Type: "String", Codec: "ZSTD(1)"},
	{Name: "indexer", Type: "String", Codec: "ZSTD(1)"},
	{Name: "block_number", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "block_hash", Type: "String", Codec: "ZSTD(1)"},
	{Name: "digest", Type: "FixedString(64)", Codec: "ZSTD(1)"},
	{Name: "liveness", Type: "LowCardinality(String)"},
	{Name: "observed_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "updated_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// Poi is one stored digest observation. The digest is hex without the 0x
// prefix so it fits a FixedString(64).
type Poi struct {
	Deployment  string    `ch:"deployment" json:"deployment"`
	Indexer     string    `ch:"indexer" json:"indexer"`
	BlockNumber uint64    `ch:"block_number" json:"block_number"`
	BlockHash   string    `ch:"block_hash" json:"block_hash"`
	Digest      string    `ch:"digest" json:"digest"`
	Liveness    string    `ch:"liveness" json:"liveness"`
	ObservedAt  time.Time `ch:"observed_at" json:"observed_at"`
	UpdatedAt   time.Time `ch:"updated_at" json:"updated_at"`
}

// NewPoi converts a digest record into its row form.
func NewPoi(rec *poi.DigestRecord, liveness poi.Liveness) *Poi {
	return &Poi{
		Deployment:  rec.Deployment,
		Indexer:     rec.Indexer,
		BlockNumber: rec.Block.Number,
		BlockHash:   rec.Block.Hash,
		Digest:      hexDigest(rec.Digest),
		Liveness:    string(liveness),
		ObservedAt:  rec.ObservedAt,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Record converts the row back into a digest record.
func (p *Poi) Record() (*poi.DigestRecord, error) {
	digest, err := poi.ParseDigest(p.Digest)
	if err != nil {
		return nil, err
	}
	return &poi.DigestRecord{
		Deployment: p.Deployment,
		Indexer:    p.Indexer,
		Block:      poi.BlockPointer{Number: p.BlockNumber, Hash: p.BlockHash},
		Digest:     digest,
		ObservedAt: p.ObservedAt,
	}, nil
}

// hexDigest strips the display prefix for storage.
func hexDigest(d poi.Digest) string {
	s := d.String()
	return s[2:]
}
