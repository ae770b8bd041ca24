package poi

import "fmt"

// BlockChoicePolicy decides which block a deployment's digests are compared
// at, given the indexing statuses reported for that deployment.
type BlockChoicePolicy string

const (
	// ChoiceEarliest picks the lowest latest-block among the reports: every
	// indexer has reached it, so nobody is excluded.
	ChoiceEarliest BlockChoicePolicy = "earliest"
	// ChoiceMaxAgreement picks the block reachable by the most indexers,
	// trading a few stragglers for a fresher comparison point.
	ChoiceMaxAgreement BlockChoicePolicy = "max-agreement"
)

// ParseBlockChoicePolicy validates a policy name from configuration.
func ParseBlockChoicePolicy(s string) (BlockChoicePolicy, error) {
	switch BlockChoicePolicy(s) {
	case ChoiceEarliest:
		return ChoiceEarliest, nil
	case ChoiceMaxAgreement, "":
		return ChoiceMaxAgreement, nil
	}
	return "", fmt.Errorf("unknown block choice policy %q", s)
}

// ChooseBlock picks the comparison block for one deployment from its
// statuses. Returns false when no status is usable.
func (p BlockChoicePolicy) ChooseBlock(statuses []IndexingStatus) (uint64, bool) {
	if len(statuses) == 0 {
		return 0, false
	}
	switch p {
	case ChoiceEarliest:
		min := statuses[0].LatestBlock.Number
		for _, s := range statuses[1:] {
			if s.LatestBlock.Number < min {
				min = s.LatestBlock.Number
			}
		}
		return min, true
	default:
		// Max agreement: for each candidate latest-block, count how many
		// indexers have indexed at least that far, and take the highest
		// block with the best count.
		var best uint64
		bestCount := -1
		for _, cand := range statuses {
			count := 0
			for _, s := range statuses {
				if s.LatestBlock.Number >= cand.LatestBlock.Number {
					count++
				}
			}
			if count > bestCount || (count == bestCount && cand.LatestBlock.Number > best) {
				best = cand.LatestBlock.Number
				bestCount = count
			}
		}
		return best, true
	}
}
