package types

import "github.com/graphops/poiwatch/pkg/poi"

// CrossCheckInput parameterizes one scheduled cross-check pass.
type CrossCheckInput struct {
	// DisableBisection records divergences without fanning out bisection
	// workflows; useful for dry runs.
	DisableBisection bool `json:"disableBisection"`
}

// CrossCheckOutput is the result of one pass plus the bisections it drove to
// completion.
type CrossCheckOutput struct {
	Summary    poi.Summary       `json:"summary"`
	Bisections []BisectionOutput `json:"bisections,omitempty"`
	DurationMs float64           `json:"durationMs"`
}

// ListActiveOutput lists investigations that still need bisection work.
type ListActiveOutput struct {
	InvestigationIDs []string `json:"investigationIds"`
}

type BisectionInput struct {
	InvestigationID string `json:"investigationId"`
}

// BisectionOutput is the terminal state of one investigation.
type BisectionOutput struct {
	InvestigationID string  `json:"investigationId"`
	Status          string  `json:"status"`
	Reason          string  `json:"reason,omitempty"`
	DivergingBlock  uint64  `json:"divergingBlock,omitempty"`
	Probes          int     `json:"probes"`
	DurationMs      float64 `json:"durationMs"`
}
