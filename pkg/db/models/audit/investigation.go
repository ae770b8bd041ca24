package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphops/poiwatch/pkg/poi"
)

const InvestigationsTableName = "investigations"

// InvestigationColumns defines the schema for the investigations table.
// Probe history is a JSON blob: it is written and read whole, never queried
// by column.
var InvestigationColumns = []ColumnDef{
	{Name: "id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "deployment", Type: "String", Codec: "ZSTD(1)"},
	{Name: "indexer_a", Type: "String", Codec: "ZSTD(1)"},
	{Name: "indexer_b", Type: "String", Codec: "ZSTD(1)"},
	{Name: "origin_block", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "low", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "high", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "status", Type: "LowCardinality(String)"},
	{Name: "reason", Type: "LowCardinality(String)"},
	{Name: "diverging_block", Type: "UInt64", Codec: "DoubleDelta, LZ4"},
	{Name: "probes", Type: "String", Codec: "ZSTD(3)"},
	{Name: "created_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
	{Name: "updated_at", Type: "DateTime64(6)", Codec: "DoubleDelta, LZ4"},
}

// Investigation is the persisted form of a bisection state machine.
type Investigation struct {
	ID             string    `ch:"id" json:"id"`
	Deployment     string    `ch:"deployment" json:"deployment"`
	IndexerA       string    `ch:"indexer_a" json:"indexer_a"`
	IndexerB       string    `ch:"indexer_b" json:"indexer_b"`
	OriginBlock    uint64    `ch:"origin_block" json:"origin_block"`
	Low            uint64    `ch:"low" json:"low"`
	High           uint64    `ch:"high" json:"high"`
	Status         string    `ch:"status" json:"status"`
	Reason         string    `ch:"reason" json:"reason,omitempty"`
	DivergingBlock uint64    `ch:"diverging_block" json:"diverging_block,omitempty"`
	Probes         string    `ch:"probes" json:"probes"`
	CreatedAt      time.Time `ch:"created_at" json:"created_at"`
	UpdatedAt      time.Time `ch:"updated_at" json:"updated_at"`
}

// NewInvestigation converts an investigation into its row form.
func NewInvestigation(inv *poi.Investigation) (*Investigation, error) {
	probes, err := json.Marshal(inv.Probes)
	if err != nil {
		return nil, fmt.Errorf("marshal probe history for %s: %w", inv.ID, err)
	}
	return &Investigation{
		ID:             inv.ID,
		Deployment:     inv.Deployment,
		IndexerA:       inv.IndexerA,
		IndexerB:       inv.IndexerB,
		OriginBlock:    inv.OriginBlock,
		Low:            inv.Low,
		High:           inv.High,
		Status:         string(inv.Status),
		Reason:         inv.Reason,
		DivergingBlock: inv.DivergingBlock,
		Probes:         string(probes),
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}, nil
}

// Investigation converts the row back into engine form.
func (i *Investigation) Investigation() (*poi.Investigation, error) {
	var probes []poi.Probe
	if i.Probes != "" {
		if err := json.Unmarshal([]byte(i.Probes), &probes); err != nil {
			return nil, fmt.Errorf("unmarshal probe history for %s: %w", i.ID, err)
		}
	}
	return &poi.Investigation{
		ID:             i.ID,
		Deployment:     i.Deployment,
		IndexerA:       i.IndexerA,
		IndexerB:       i.IndexerB,
		OriginBlock:    i.OriginBlock,
		Low:            i.Low,
		High:           i.High,
		Probes:         probes,
		Status:         poi.InvestigationStatus(i.Status),
		Reason:         i.Reason,
		DivergingBlock: i.DivergingBlock,
		CreatedAt:      i.CreatedAt,
		UpdatedAt:      i.UpdatedAt,
	}, nil
}
