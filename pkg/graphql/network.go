package graphql

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/poi"
)

// Indexer status API documents. Block numbers come back as decimal strings.
const (
	indexingStatusesQuery = `query {
  indexingStatuses {
    subgraph
    chains {
      network
      latestBlock { number hash }
      earliestBlock { number }
    }
  }
}`

	publicProofsQuery = `query ($requests: [PublicProofOfIndexingRequest!]!) {
  publicProofsOfIndexing(requests: $requests) {
    deployment
    proofOfIndexing
    block { number hash }
  }
}`
)

// NetworkClient talks to indexer status endpoints. It implements both digest
// fetching and indexing-status discovery against the same endpoint.
type NetworkClient struct {
	logger *zap.Logger
	client *Client
}

// NewNetworkClient wires a NetworkClient around a shared transport client.
func NewNetworkClient(logger *zap.Logger, opts Opts) *NetworkClient {
	return &NetworkClient{
		logger: logger,
		client: NewWithOpts(opts),
	}
}

// statusURL resolves an indexer's status endpoint from its published address.
func statusURL(ix poi.Indexer) string {
	return strings.TrimSuffix(ix.Address, "/") + "/status"
}

// IndexingStatuses returns every deployment the indexer reports progress for.
func (n *NetworkClient) IndexingStatuses(ctx context.Context, ix poi.Indexer) ([]poi.IndexingStatus, error) {
	var out struct {
		IndexingStatuses []struct {
			Subgraph string `json:"subgraph"`
			Chains   []struct {
				Network     string `json:"network"`
				LatestBlock *struct {
					Number string `json:"number"`
					Hash   string `json:"hash"`
				} `json:"latestBlock"`
				EarliestBlock *struct {
					Number string `json:"number"`
				} `json:"earliestBlock"`
			} `json:"chains"`
		} `json:"indexingStatuses"`
	}
	if err := n.client.Query(ctx, statusURL(ix), Request{Query: indexingStatusesQuery}, &out); err != nil {
		return nil, fmt.Errorf("indexing statuses from %s: %w", ix.ID, err)
	}

	statuses := make([]poi.IndexingStatus, 0, len(out.IndexingStatuses))
	for _, s := range out.IndexingStatuses {
		// The status API models multi-chain deployments but in practice each
		// deployment indexes exactly one chain.
		if len(s.Chains) == 0 || s.Chains[0].LatestBlock == nil {
			continue
		}
		chain := s.Chains[0]
		latest, err := strconv.ParseUint(chain.LatestBlock.Number, 10, 64)
		if err != nil {
			n.logger.Debug("Skipping status with malformed latest block",
				zap.String("indexer", ix.ID),
				zap.String("deployment", s.Subgraph),
				zap.String("number", chain.LatestBlock.Number))
			continue
		}
		status := poi.IndexingStatus{
			Deployment: s.Subgraph,
			Indexer:    ix.ID,
			Network:    chain.Network,
			LatestBlock: poi.BlockPointer{
				Number: latest,
				Hash:   chain.LatestBlock.Hash,
			},
		}
		if chain.EarliestBlock != nil {
			if earliest, err := strconv.ParseUint(chain.EarliestBlock.Number, 10, 64); err == nil {
				status.EarliestBlock = earliest
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// FetchDigest asks the indexer for its public proof of indexing at the block.
// Failures are classified so callers can tell transient transport trouble from
// data the indexer simply does not have.
func (n *NetworkClient) FetchDigest(ctx context.Context, deployment string, ix poi.Indexer, block uint64) (*poi.DigestRecord, error) {
	req := Request{
		Query: publicProofsQuery,
		Variables: map[string]any{
			"requests": []map[string]any{{
				"deployment":  deployment,
				"blockNumber": strconv.FormatUint(block, 10),
			}},
		},
	}
	var out struct {
		PublicProofsOfIndexing []struct {
			Deployment      string  `json:"deployment"`
			ProofOfIndexing *string `json:"proofOfIndexing"`
			Block           struct {
				Number string  `json:"number"`
				Hash   *string `json:"hash"`
			} `json:"block"`
		} `json:"publicProofsOfIndexing"`
	}
	if err := n.client.Query(ctx, statusURL(ix), req, &out); err != nil {
		return nil, &poi.FetchError{
			Kind:       classifyTransport(err),
			Deployment: deployment,
			Indexer:    ix.ID,
			Block:      block,
			Err:        err,
		}
	}

	for _, p := range out.PublicProofsOfIndexing {
		if p.Deployment != deployment {
			continue
		}
		if p.ProofOfIndexing == nil {
			break
		}
		digest, err := poi.ParseDigest(*p.ProofOfIndexing)
		if err != nil {
			return nil, &poi.FetchError{
				Kind:       poi.FetchNotFound,
				Deployment: deployment,
				Indexer:    ix.ID,
				Block:      block,
				Err:        fmt.Errorf("malformed proof: %w", err),
			}
		}
		rec := &poi.DigestRecord{
			Deployment: deployment,
			Indexer:    ix.ID,
			Block:      poi.BlockPointer{Number: block},
			Digest:     digest,
			ObservedAt: time.Now().UTC(),
		}
		if p.Block.Hash != nil {
			rec.Block.Hash = *p.Block.Hash
		}
		return rec, nil
	}

	// Null or absent proof: the indexer has no data for this block.
	return nil, &poi.FetchError{
		Kind:       poi.FetchNotFound,
		Deployment: deployment,
		Indexer:    ix.ID,
		Block:      block,
	}
}

// classifyTransport maps a transport or query failure to a fetch error kind.
func classifyTransport(err error) poi.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return poi.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return poi.FetchTimeout
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		// The endpoint answered but rejected the query; retrying the same
		// query will not help.
		return poi.FetchNotFound
	}
	return poi.FetchUnreachable
}
