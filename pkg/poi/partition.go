package poi

import (
	"fmt"
	"sort"
)

// Classification is the agreement state of one (deployment, block) group.
type Classification string

const (
	// ClassInconclusive: fewer than two independent reports, not enough to judge.
	ClassInconclusive Classification = "inconclusive"
	// ClassUnanimous: two or more indexers, all reporting the same digest.
	ClassUnanimous Classification = "unanimous"
	// ClassDivergent: two or more distinct digests among the reports.
	ClassDivergent Classification = "divergent"
)

// Group is one equivalence class of a partition: the set of indexers that
// reported the same digest.
type Group struct {
	Digest   Digest
	Indexers []string // sorted ascending
}

// Partition groups the digest reports for one (deployment, block) by digest
// value. Groups are ordered largest first; among equal sizes, the group whose
// smallest indexer ID sorts first comes first, so iteration order is
// deterministic across runs.
type Partition struct {
	Deployment string
	Block      uint64
	Groups     []Group
}

// Classify partitions records for a single (deployment, block number) into
// equivalence classes by digest equality and classifies the result.
//
// All records must share the same deployment and block number; mixing them is
// a caller bug and returns ErrContractViolation. So is feeding two conflicting
// records for the same indexer: self-inconsistency must be filtered out (and
// reported as an anomaly) before classification. Exact duplicates are merged.
//
// Classify is a pure function: no side effects, safe to call concurrently.
func Classify(records []DigestRecord) (Classification, *Partition, error) {
	if len(records) == 0 {
		return ClassInconclusive, nil, nil
	}

	deployment := records[0].Deployment
	block := records[0].Block.Number

	byIndexer := make(map[string]Digest, len(records))
	byDigest := make(map[Digest][]string, len(records))
	for _, rec := range records {
		if rec.Deployment != deployment {
			return "", nil, fmt.Errorf("%w: mixed deployments %q and %q", ErrContractViolation, deployment, rec.Deployment)
		}
		if rec.Block.Number != block {
			return "", nil, fmt.Errorf("%w: mixed blocks %d and %d for %s", ErrContractViolation, block, rec.Block.Number, deployment)
		}
		if prev, ok := byIndexer[rec.Indexer]; ok {
			if prev != rec.Digest {
				return "", nil, fmt.Errorf("%w: conflicting digests for indexer %s at %s@%d (self-inconsistency must be filtered before classification)",
					ErrContractViolation, rec.Indexer, deployment, block)
			}
			continue
		}
		byIndexer[rec.Indexer] = rec.Digest
		byDigest[rec.Digest] = append(byDigest[rec.Digest], rec.Indexer)
	}

	if len(byIndexer) < 2 {
		return ClassInconclusive, nil, nil
	}

	p := &Partition{Deployment: deployment, Block: block, Groups: make([]Group, 0, len(byDigest))}
	for digest, indexers := range byDigest {
		sort.Strings(indexers)
		p.Groups = append(p.Groups, Group{Digest: digest, Indexers: indexers})
	}
	sort.Slice(p.Groups, func(i, j int) bool {
		if len(p.Groups[i].Indexers) != len(p.Groups[j].Indexers) {
			return len(p.Groups[i].Indexers) > len(p.Groups[j].Indexers)
		}
		return p.Groups[i].Indexers[0] < p.Groups[j].Indexers[0]
	})

	if len(p.Groups) == 1 {
		return ClassUnanimous, p, nil
	}
	return ClassDivergent, p, nil
}

// SelectPair picks the two indexers whose disagreement seeds an
// investigation: the representatives (smallest ID) of the two largest groups.
// Preferring the most corroborated groups avoids chasing a single outlier
// indexer's idiosyncratic report. The returned pair is ordered a < b.
func SelectPair(p *Partition) (a, b string, ok bool) {
	if p == nil || len(p.Groups) < 2 {
		return "", "", false
	}
	a = p.Groups[0].Indexers[0]
	b = p.Groups[1].Indexers[0]
	if b < a {
		a, b = b, a
	}
	return a, b, true
}
