package poi

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DigestSize is the size of a proof of indexing in bytes.
const DigestSize = 32

// Digest is a proof of indexing: a 32-byte summary of an indexer's derived
// state for a deployment at a block. Digests are compared by exact byte
// equality, never fuzzily.
type Digest [DigestSize]byte

// ParseDigest decodes a hex digest, with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("invalid digest %q: got %d bytes, want %d", s, len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// BlockPointer identifies a block by number and, when known, hash.
type BlockPointer struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash,omitempty"`
}

func (b BlockPointer) String() string {
	if b.Hash == "" {
		return fmt.Sprintf("#%d (no hash)", b.Number)
	}
	return fmt.Sprintf("#%d (%s)", b.Number, b.Hash)
}

// Deployment is a data feed independently indexed by many indexers.
// The ID is an IPFS CIDv0 string (Qm...). StartBlock is the first block the
// deployment indexes; it is the floor for any bisection bracket.
type Deployment struct {
	ID         string `json:"id"`
	Network    string `json:"network"`
	StartBlock uint64 `json:"startBlock"`
}

// Indexer is a network participant identified by ID with a queryable address.
// Identity is the ID alone; the address may be refreshed out of band.
type Indexer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// IndexingStatus reports how far an indexer has progressed on a deployment.
type IndexingStatus struct {
	Deployment    string       `json:"deployment"`
	Indexer       string       `json:"indexer"`
	Network       string       `json:"network,omitempty"`
	LatestBlock   BlockPointer `json:"latestBlock"`
	EarliestBlock uint64       `json:"earliestBlock"`
}

// DigestRecord is an immutable observation of one indexer's digest for one
// deployment at one block. Two records for the same (deployment, indexer,
// block number) must carry the same hash and digest; a mismatch is a
// self-inconsistency anomaly, not a cross-indexer divergence.
type DigestRecord struct {
	Deployment string       `json:"deployment"`
	Indexer    string       `json:"indexer"`
	Block      BlockPointer `json:"block"`
	Digest     Digest       `json:"digest"`
	ObservedAt time.Time    `json:"observedAt"`
}

// Anomaly records a self-inconsistent indexer: the same indexer reported two
// different digests for the identical block across fetches.
type Anomaly struct {
	Deployment string `json:"deployment"`
	Indexer    string `json:"indexer"`
	Block      uint64 `json:"block"`
	Stored     Digest `json:"stored"`
	Fetched    Digest `json:"fetched"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("indexer %s self-inconsistent on %s at block %d: stored %s, fetched %s",
		a.Indexer, a.Deployment, a.Block, a.Stored, a.Fetched)
}

// Liveness tags how a stored digest was obtained: live digests come from the
// periodic cross-check pass, probe digests from bisection probes at historical
// blocks.
type Liveness string

const (
	LivenessLive  Liveness = "live"
	LivenessProbe Liveness = "probe"
)

// Fetcher is the network-client collaborator. Implementations must be safe
// for concurrent use from independent goroutines.
type Fetcher interface {
	// FetchDigest returns the indexer's digest for the deployment at the
	// given block, or a *FetchError describing why it could not.
	FetchDigest(ctx context.Context, deployment string, indexer Indexer, block uint64) (*DigestRecord, error)
}

// StatusFetcher queries an indexer for all its indexing statuses.
type StatusFetcher interface {
	IndexingStatuses(ctx context.Context, indexer Indexer) ([]IndexingStatus, error)
}

// Store is the persistence collaborator. All writes are upserts keyed by
// natural identity, so concurrent writers need no engine-level locking.
type Store interface {
	PutDigest(ctx context.Context, rec *DigestRecord, liveness Liveness) error
	// GetDigest returns the stored record for the exact key, or nil if absent.
	GetDigest(ctx context.Context, deployment, indexer string, block uint64) (*DigestRecord, error)
	// LatestAgreeingBlock returns the highest block strictly below `before`
	// at which both indexers' stored digests exist and agree.
	LatestAgreeingBlock(ctx context.Context, deployment, indexerA, indexerB string, before uint64) (uint64, bool, error)
	FindInvestigation(ctx context.Context, deployment, indexerA, indexerB string, origin uint64) (*Investigation, error)
	PutInvestigation(ctx context.Context, inv *Investigation) error
	PutReport(ctx context.Context, rep *CrossCheckReport) error
}

// Events receives notifications about divergence lifecycle transitions.
// Implementations must not block; failures are the implementation's problem.
type Events interface {
	InvestigationOpened(ctx context.Context, inv *Investigation)
	InvestigationFinished(ctx context.Context, inv *Investigation)
}

// CrossCheckReport is the persisted outcome of one divergence between two
// indexers, including the located diverging block when bisection pinpointed one.
type CrossCheckReport struct {
	Deployment     string    `json:"deployment"`
	IndexerA       string    `json:"indexerA"`
	IndexerB       string    `json:"indexerB"`
	Block          uint64    `json:"block"`
	DigestA        Digest    `json:"digestA"`
	DigestB        Digest    `json:"digestB"`
	DivergingBlock uint64    `json:"divergingBlock,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
