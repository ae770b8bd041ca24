package poi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// digestFn computes the canonical digest an indexer reports for a block.
// Deterministic per (indexer, block), which is the bisection precondition.
type digestFn func(indexer string, block uint64) Digest

// sharedDigest builds a digest that only depends on the block.
func sharedDigest(block uint64) Digest {
	var d Digest
	copy(d[:], fmt.Sprintf("shared-%020d", block))
	return d
}

func forkedDigest(indexer string, block uint64) Digest {
	var d Digest
	copy(d[:], fmt.Sprintf("%s-%020d", indexer, block))
	return d
}

// forkAt returns a digestFn where every indexer agrees up to and including
// block k, and the named indexer diverges from block k+1 onward.
func forkAt(diverging string, k uint64) digestFn {
	return func(indexer string, block uint64) Digest {
		if indexer == diverging && block > k {
			return forkedDigest(indexer, block)
		}
		return sharedDigest(block)
	}
}

// fakeFetcher serves digests from a digestFn, with optional per-block
// failures and concurrency instrumentation.
type fakeFetcher struct {
	digests digestFn

	mu         sync.Mutex
	failBlocks map[uint64]FetchErrorKind // persistent failures by block
	failCalls  int                       // fail the first N calls with a transient error
	calls      int
	inFlight   int
	maxSeen    int
	onCall     func(n int)
}

func newFakeFetcher(fn digestFn) *fakeFetcher {
	return &fakeFetcher{digests: fn, failBlocks: map[uint64]FetchErrorKind{}}
}

func (f *fakeFetcher) FetchDigest(ctx context.Context, deployment string, ix Indexer, block uint64) (*DigestRecord, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	// Give siblings a chance to overlap so maxSeen is meaningful.
	time.Sleep(time.Millisecond)

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Kind: FetchTimeout, Deployment: deployment, Indexer: ix.ID, Block: block, Err: err}
	}

	f.mu.Lock()
	kind, failing := f.failBlocks[block]
	transientLeft := f.failCalls > 0
	if transientLeft {
		f.failCalls--
	}
	f.mu.Unlock()

	if failing {
		return nil, &FetchError{Kind: kind, Deployment: deployment, Indexer: ix.ID, Block: block}
	}
	if transientLeft {
		return nil, &FetchError{Kind: FetchUnreachable, Deployment: deployment, Indexer: ix.ID, Block: block}
	}

	return &DigestRecord{
		Deployment: deployment,
		Indexer:    ix.ID,
		Block:      BlockPointer{Number: block, Hash: fmt.Sprintf("0xb%06d", block)},
		Digest:     f.digests(ix.ID, block),
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeFetcher) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

// fakeStatuses reports every indexer at the same latest block for all
// configured deployments.
type fakeStatuses struct {
	deployments []string
	latest      uint64
	failFor     map[string]bool
}

func (f *fakeStatuses) IndexingStatuses(ctx context.Context, ix Indexer) ([]IndexingStatus, error) {
	if f.failFor[ix.ID] {
		return nil, errors.New("connection refused")
	}
	out := make([]IndexingStatus, 0, len(f.deployments))
	for _, dep := range f.deployments {
		out = append(out, IndexingStatus{
			Deployment:  dep,
			Indexer:     ix.ID,
			LatestBlock: BlockPointer{Number: f.latest},
		})
	}
	return out, nil
}

// memStore is an in-memory Store with upsert semantics keyed by natural
// identity, mirroring the production audit store's contract.
type memStore struct {
	mu             sync.Mutex
	digests        map[string]*DigestRecord
	investigations map[string]*Investigation
	reports        []*CrossCheckReport
}

func newMemStore() *memStore {
	return &memStore{
		digests:        map[string]*DigestRecord{},
		investigations: map[string]*Investigation{},
	}
}

func digestKey(deployment, indexer string, block uint64) string {
	return fmt.Sprintf("%s/%s/%d", deployment, indexer, block)
}

func (s *memStore) PutDigest(ctx context.Context, rec *DigestRecord, liveness Liveness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.digests[digestKey(rec.Deployment, rec.Indexer, rec.Block.Number)] = &cp
	return nil
}

func (s *memStore) GetDigest(ctx context.Context, deployment, indexer string, block uint64) (*DigestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.digests[digestKey(deployment, indexer, block)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) LatestAgreeingBlock(ctx context.Context, deployment, indexerA, indexerB string, before uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best uint64
	found := false
	for _, rec := range s.digests {
		if rec.Deployment != deployment || rec.Indexer != indexerA || rec.Block.Number >= before {
			continue
		}
		other, ok := s.digests[digestKey(deployment, indexerB, rec.Block.Number)]
		if ok && other.Digest == rec.Digest && (!found || rec.Block.Number > best) {
			best = rec.Block.Number
			found = true
		}
	}
	return best, found, nil
}

func (s *memStore) FindInvestigation(ctx context.Context, deployment, indexerA, indexerB string, origin uint64) (*Investigation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.investigations[InvestigationID(deployment, indexerA, indexerB, origin)]; ok {
		cp := *inv
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) PutInvestigation(ctx context.Context, inv *Investigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.investigations[inv.ID] = &cp
	return nil
}

func (s *memStore) PutReport(ctx context.Context, rep *CrossCheckReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, rep)
	return nil
}

func (s *memStore) investigation(id string) *Investigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.investigations[id]; ok {
		cp := *inv
		return &cp
	}
	return nil
}

func (s *memStore) digestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.digests)
}

func mustDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

func record(deployment, indexer string, block uint64, digest Digest) DigestRecord {
	return DigestRecord{
		Deployment: deployment,
		Indexer:    indexer,
		Block:      BlockPointer{Number: block},
		Digest:     digest,
		ObservedAt: time.Now().UTC(),
	}
}
