package poi

import (
	"fmt"
	"time"
)

// InvestigationStatus is the state of a divergence investigation.
type InvestigationStatus string

const (
	StatusActive       InvestigationStatus = "active"
	StatusPinpointed   InvestigationStatus = "pinpointed"
	StatusInconclusive InvestigationStatus = "inconclusive"
	StatusAborted      InvestigationStatus = "aborted"
)

// Terminal investigation reasons.
const (
	ReasonFetchFailure        = "fetch_failure"
	ReasonProbeBudgetExceeded = "probe_budget_exceeded"
	ReasonBracketInvalidated  = "bracket_invalidated"
)

// Probe is one recorded bisection probe: the block queried and either both
// digests or the failure that ended the attempt. Every probe is recorded,
// regardless of outcome.
type Probe struct {
	Block   uint64    `json:"block"`
	DigestA *Digest   `json:"digestA,omitempty"`
	DigestB *Digest   `json:"digestB,omitempty"`
	Err     string    `json:"err,omitempty"`
	At      time.Time `json:"at"`
}

// Investigation tracks the bisection of one divergence between two indexers
// on one deployment. It is an explicit state value, persisted after every
// probe, so a restarted process can resume a long-running bisection with the
// same bracket instead of starting over.
//
// Invariants while Active: Low < High; the pair agreed at Low (or Low is the
// deployment's start block, below which there is nothing to disagree about);
// the pair disagreed at High. IndexerA < IndexerB lexicographically.
type Investigation struct {
	ID          string              `json:"id"`
	Deployment  string              `json:"deployment"`
	IndexerA    string              `json:"indexerA"`
	IndexerB    string              `json:"indexerB"`
	OriginBlock uint64              `json:"originBlock"` // block where the divergence was first observed
	Low         uint64              `json:"low"`
	High        uint64              `json:"high"`
	Probes      []Probe             `json:"probes"`
	Status      InvestigationStatus `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	// DivergingBlock is the first block where the pair disagrees; only valid
	// once Status is StatusPinpointed.
	DivergingBlock uint64    `json:"divergingBlock,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// InvestigationID builds the natural identity of an investigation. The same
// divergence observed again in a later pass maps to the same ID, which is
// what makes the runner's dedupe check work.
func InvestigationID(deployment, indexerA, indexerB string, origin uint64) string {
	return fmt.Sprintf("%s:%s:%s:%d", deployment, indexerA, indexerB, origin)
}

// NewInvestigation opens an Active investigation over the bracket (low, high].
// The pair is normalized so IndexerA < IndexerB.
func NewInvestigation(deployment, indexerA, indexerB string, low, high uint64) (*Investigation, error) {
	if indexerA == indexerB {
		return nil, fmt.Errorf("%w: investigation needs two distinct indexers, got %q twice", ErrContractViolation, indexerA)
	}
	if indexerB < indexerA {
		indexerA, indexerB = indexerB, indexerA
	}
	if low >= high {
		return nil, fmt.Errorf("%w: bracket low %d must be below high %d", ErrContractViolation, low, high)
	}
	now := time.Now().UTC()
	return &Investigation{
		ID:          InvestigationID(deployment, indexerA, indexerB, high),
		Deployment:  deployment,
		IndexerA:    indexerA,
		IndexerB:    indexerB,
		OriginBlock: high,
		Low:         low,
		High:        high,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NextProbe returns the next block to probe: the floor midpoint of the
// bracket. Only meaningful while Converging reports true.
func (inv *Investigation) NextProbe() uint64 {
	return inv.Low + (inv.High-inv.Low)/2
}

// Converging reports whether the bracket still has width to probe.
func (inv *Investigation) Converging() bool {
	return inv.Status == StatusActive && inv.High-inv.Low > 1
}

// Narrow halves the bracket after a successful probe at NextProbe(): if the
// pair agreed at the midpoint the divergence lies above it, otherwise at or
// below it. Binary search is valid because an indexer's digest at block n is
// a deterministic function of its state through n, independent of probe order.
func (inv *Investigation) Narrow(equal bool) {
	mid := inv.NextProbe()
	if equal {
		inv.Low = mid
	} else {
		inv.High = mid
	}
	inv.UpdatedAt = time.Now().UTC()
}

// RecordProbe appends a probe to the history.
func (inv *Investigation) RecordProbe(p Probe) {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	inv.Probes = append(inv.Probes, p)
	inv.UpdatedAt = p.At
}

// Pinpoint finalizes the investigation with the located diverging block.
func (inv *Investigation) Pinpoint() {
	inv.Status = StatusPinpointed
	inv.DivergingBlock = inv.High
	inv.UpdatedAt = time.Now().UTC()
}

// Finish terminates the investigation without a located block.
func (inv *Investigation) Finish(status InvestigationStatus, reason string) {
	inv.Status = status
	inv.Reason = reason
	inv.UpdatedAt = time.Now().UTC()
}

// Terminal reports whether the investigation has reached a final state.
func (inv *Investigation) Terminal() bool {
	return inv.Status != StatusActive
}
