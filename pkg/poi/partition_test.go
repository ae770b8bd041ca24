package poi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dep = "QmAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

var (
	digestAA = mustDigest("0x" + strings.Repeat("aa", 32))
	digestBB = mustDigest(strings.Repeat("bb", 32)) // prefix optional
	digestCC = mustDigest("0x" + strings.Repeat("cc", 32))
)

func TestClassifyInconclusive(t *testing.T) {
	class, partition, err := Classify(nil)
	require.NoError(t, err)
	assert.Equal(t, ClassInconclusive, class)
	assert.Nil(t, partition)

	class, _, err = Classify([]DigestRecord{record(dep, "indexer-a", 100, digestAA)})
	require.NoError(t, err)
	assert.Equal(t, ClassInconclusive, class)

	// Duplicate reports from the same indexer are still one reporter.
	class, _, err = Classify([]DigestRecord{
		record(dep, "indexer-a", 100, digestAA),
		record(dep, "indexer-a", 100, digestAA),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassInconclusive, class)
}

func TestClassifyUnanimous(t *testing.T) {
	class, partition, err := Classify([]DigestRecord{
		record(dep, "indexer-a", 100, digestAA),
		record(dep, "indexer-b", 100, digestAA),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassUnanimous, class)
	require.Len(t, partition.Groups, 1)
	assert.Equal(t, []string{"indexer-a", "indexer-b"}, partition.Groups[0].Indexers)
}

func TestClassifyDivergent(t *testing.T) {
	// A and B agree on 0xAA..., C reports 0xBB...: {A,B} vs {C}.
	class, partition, err := Classify([]DigestRecord{
		record(dep, "indexer-a", 100, digestAA),
		record(dep, "indexer-b", 100, digestAA),
		record(dep, "indexer-c", 100, digestBB),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassDivergent, class)
	require.Len(t, partition.Groups, 2)

	// Largest group first.
	assert.Equal(t, []string{"indexer-a", "indexer-b"}, partition.Groups[0].Indexers)
	assert.Equal(t, []string{"indexer-c"}, partition.Groups[1].Indexers)

	// Groups are disjoint and cover exactly the input indexers.
	seen := map[string]int{}
	for _, g := range partition.Groups {
		for _, ix := range g.Indexers {
			seen[ix]++
		}
	}
	assert.Equal(t, map[string]int{"indexer-a": 1, "indexer-b": 1, "indexer-c": 1}, seen)

	a, b, ok := SelectPair(partition)
	require.True(t, ok)
	assert.Equal(t, "indexer-a", a)
	assert.Equal(t, "indexer-c", b)
}

func TestSelectPairTieBreak(t *testing.T) {
	// Equal-size groups: deterministic order by smallest indexer ID.
	class, partition, err := Classify([]DigestRecord{
		record(dep, "indexer-d", 100, digestAA),
		record(dep, "indexer-b", 100, digestBB),
		record(dep, "indexer-c", 100, digestCC),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassDivergent, class)
	require.Len(t, partition.Groups, 3)

	a, b, ok := SelectPair(partition)
	require.True(t, ok)
	assert.Equal(t, "indexer-b", a)
	assert.Equal(t, "indexer-c", b)
}

func TestClassifyContractViolations(t *testing.T) {
	_, _, err := Classify([]DigestRecord{
		record(dep, "indexer-a", 100, digestAA),
		record("QmBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", "indexer-b", 100, digestAA),
	})
	assert.ErrorIs(t, err, ErrContractViolation)

	_, _, err = Classify([]DigestRecord{
		record(dep, "indexer-a", 100, digestAA),
		record(dep, "indexer-b", 101, digestAA),
	})
	assert.ErrorIs(t, err, ErrContractViolation)

	// Self-inconsistency must be filtered before classification.
	_, _, err = Classify([]DigestRecord{
		record(dep, "indexer-a", 100, digestAA),
		record(dep, "indexer-a", 100, digestBB),
	})
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestParseDigest(t *testing.T) {
	d, err := ParseDigest("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("ab", 32), d.String())

	_, err = ParseDigest("0x1234")
	assert.Error(t, err)

	_, err = ParseDigest("not-hex")
	assert.Error(t, err)
}
