package poi

import (
	"context"
	"math/bits"
	"math/rand"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	ixA = Indexer{ID: "indexer-a", Address: "https://a.example.com"}
	ixB = Indexer{ID: "indexer-b", Address: "https://b.example.com"}
)

func newBisector(t *testing.T, fetcher Fetcher, store Store) *Bisector {
	t.Helper()
	cfg := DefaultBisectConfig()
	cfg.FetchTimeout = time.Second
	cfg.RetryDelay = time.Millisecond
	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)
	return &Bisector{
		Logger:  zaptest.NewLogger(t),
		Fetcher: fetcher,
		Store:   store,
		Pool:    pool,
		Config:  cfg,
	}
}

func TestBisectPinpointsFirstDivergingBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 25; i++ {
		low := uint64(rng.Intn(1000))
		width := uint64(rng.Intn(5000)) + 2
		high := low + width
		// Fork strictly inside the bracket: agree on [low, k], diverge after.
		k := low + uint64(rng.Int63n(int64(width)))

		fetcher := newFakeFetcher(forkAt("indexer-b", k))
		store := newMemStore()
		bi := newBisector(t, fetcher, store)

		inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, low, high)
		require.NoError(t, err)

		require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
		require.Equal(t, StatusPinpointed, inv.Status, "low=%d high=%d k=%d", low, high, k)
		assert.Equal(t, k+1, inv.DivergingBlock, "low=%d high=%d k=%d", low, high, k)

		// Success path is logarithmic.
		maxProbes := bits.Len64(high - low)
		assert.LessOrEqual(t, len(inv.Probes), maxProbes)

		// The terminal state made it to storage.
		stored := store.investigation(inv.ID)
		require.NotNil(t, stored)
		assert.Equal(t, StatusPinpointed, stored.Status)
	}
}

func TestBisectWidthOneBracket(t *testing.T) {
	fetcher := newFakeFetcher(forkAt("indexer-b", 99))
	bi := newBisector(t, fetcher, newMemStore())

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 99, 100)
	require.NoError(t, err)

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	assert.Equal(t, StatusPinpointed, inv.Status)
	assert.Equal(t, uint64(100), inv.DivergingBlock)
	assert.Empty(t, inv.Probes)
}

func TestBisectPersistentFetchFailure(t *testing.T) {
	fetcher := newFakeFetcher(forkAt("indexer-b", 60))
	// First midpoint of [0, 100] never answers.
	fetcher.failBlocks[50] = FetchUnreachable
	store := newMemStore()
	bi := newBisector(t, fetcher, store)

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 0, 100)
	require.NoError(t, err)

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	// Never guess a direction: terminate instead of returning a wrong block.
	assert.Equal(t, StatusInconclusive, inv.Status)
	assert.Equal(t, ReasonFetchFailure, inv.Reason)
	assert.Zero(t, inv.DivergingBlock)

	// The failed probe is part of the history.
	require.NotEmpty(t, inv.Probes)
	last := inv.Probes[len(inv.Probes)-1]
	assert.Equal(t, uint64(50), last.Block)
	assert.NotEmpty(t, last.Err)
}

func TestBisectDataAbsentIsNotRetried(t *testing.T) {
	fetcher := newFakeFetcher(forkAt("indexer-b", 60))
	fetcher.failBlocks[50] = FetchNotFound
	bi := newBisector(t, fetcher, newMemStore())

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 0, 100)
	require.NoError(t, err)

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	assert.Equal(t, StatusInconclusive, inv.Status)
	assert.Equal(t, ReasonFetchFailure, inv.Reason)
}

func TestBisectProbeBudgetExceeded(t *testing.T) {
	fetcher := newFakeFetcher(forkAt("indexer-b", 60))
	fetcher.failCalls = 1 << 20 // every fetch fails transiently

	bi := newBisector(t, fetcher, newMemStore())
	bi.Config.FetchAttempts = 3
	bi.Config.MaxFetchAttempts = 4

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 0, 1000)
	require.NoError(t, err)

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	assert.Equal(t, StatusAborted, inv.Status)
	assert.Equal(t, ReasonProbeBudgetExceeded, inv.Reason)
}

func TestBisectDataAbsentOnLastBudgetedProbe(t *testing.T) {
	fetcher := newFakeFetcher(forkAt("indexer-b", 60))
	fetcher.failBlocks[50] = FetchNotFound

	bi := newBisector(t, fetcher, newMemStore())
	bi.Config.FetchAttempts = 1
	bi.Config.MaxFetchAttempts = 2

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 0, 100)
	require.NoError(t, err)

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	// Exhausting the budget on the same probe must not mask the real cause.
	assert.Equal(t, StatusInconclusive, inv.Status)
	assert.Equal(t, ReasonFetchFailure, inv.Reason)
}

func TestBisectCancellationLeavesResumableState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := newFakeFetcher(forkAt("indexer-b", 600))
	fetcher.onCall = func(n int) {
		if n >= 3 {
			cancel() // first probe completes, second is interrupted
		}
	}
	store := newMemStore()
	bi := newBisector(t, fetcher, store)

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 0, 1000)
	require.NoError(t, err)

	err = bi.Run(ctx, inv, ixA, ixB)
	require.ErrorIs(t, err, context.Canceled)

	// Abandoned, not failed: history preserved, bracket intact, resumable.
	assert.Equal(t, StatusActive, inv.Status)
	assert.Len(t, inv.Probes, 1)
	assert.Less(t, inv.Low, inv.High)

	stored := store.investigation(inv.ID)
	require.NotNil(t, stored)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestBisectResumeRevalidatesLow(t *testing.T) {
	// The pair now disagrees at the saved low: the bracket cannot be trusted.
	fetcher := newFakeFetcher(forkAt("indexer-b", 40))
	bi := newBisector(t, fetcher, newMemStore())

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 50, 80)
	require.NoError(t, err)
	inv.RecordProbe(Probe{Block: 65, Err: "timeout"}) // marks it as a resume

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	assert.Equal(t, StatusInconclusive, inv.Status)
	assert.Equal(t, ReasonBracketInvalidated, inv.Reason)
}

func TestBisectResumeContinuesWithValidBracket(t *testing.T) {
	fetcher := newFakeFetcher(forkAt("indexer-b", 60))
	bi := newBisector(t, fetcher, newMemStore())

	inv, err := NewInvestigation(dep, ixA.ID, ixB.ID, 50, 80)
	require.NoError(t, err)
	inv.RecordProbe(Probe{Block: 65, Err: "timeout"})

	require.NoError(t, bi.Run(context.Background(), inv, ixA, ixB))
	assert.Equal(t, StatusPinpointed, inv.Status)
	assert.Equal(t, uint64(61), inv.DivergingBlock)
}
