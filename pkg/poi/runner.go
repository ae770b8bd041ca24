package poi

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// RunnerConfig bounds one cross-check pass.
type RunnerConfig struct {
	// MaxConcurrentFetches caps in-flight network fetches across the main
	// pass and all active bisections combined. Additional fetches queue for
	// a slot instead of growing outstanding work.
	MaxConcurrentFetches int
	// FetchTimeout is the independent deadline for each status or digest
	// fetch in the main pass.
	FetchTimeout time.Duration
	BlockChoice  BlockChoicePolicy
	Bisect       BisectConfig
	// DisableBisection records divergences without opening background
	// bisections; useful for dry runs.
	DisableBisection bool
}

// DefaultRunnerConfig returns the pass bounds used in production.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		MaxConcurrentFetches: 20,
		FetchTimeout:         30 * time.Second,
		BlockChoice:          ChoiceMaxAgreement,
		Bisect:               DefaultBisectConfig(),
	}
}

// Batch is the input to one audit pass: which deployments to cross-check
// across which indexers.
type Batch struct {
	Deployments []Deployment `json:"deployments"`
	Indexers    []Indexer    `json:"indexers"`
}

// Summary is the outcome of one audit pass.
type Summary struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	StatusSuccesses int `json:"statusSuccesses"`
	StatusFailures  int `json:"statusFailures"`
	DigestsFetched  int `json:"digestsFetched"`
	FetchFailures   int `json:"fetchFailures"`

	Unanimous    int `json:"unanimous"`
	Divergent    int `json:"divergent"`
	Inconclusive int `json:"inconclusive"`

	Anomalies []Anomaly `json:"anomalies,omitempty"`
	// Opened lists investigations started (or resumed) by this pass.
	Opened []string `json:"opened,omitempty"`
	// Resolved lists investigations that reached a terminal state before the
	// summary was built; bisections still running in the background report
	// through DrainResolved once they finish.
	Resolved []string `json:"resolved,omitempty"`
	// Known lists divergences already covered by an existing investigation,
	// skipped to keep passes idempotent.
	Known []string `json:"known,omitempty"`
}

// Runner drives one full audit pass: status prefetch, concurrent digest
// fan-out, classification, and divergence handling. Bisections launched for
// divergences run as independent background tasks and do not block the pass.
type Runner struct {
	Logger   *zap.Logger
	Fetcher  Fetcher
	Statuses StatusFetcher
	Store    Store
	Events   Events
	Config   RunnerConfig

	pool     pond.Pool
	bisector *Bisector
	// active tracks investigations currently being bisected by this process,
	// preventing duplicate work when passes overlap.
	active *xsync.Map[string, *Investigation]

	wg       sync.WaitGroup
	mu       sync.Mutex
	resolved []string
}

// NewRunner wires a Runner around its collaborators. The fetch pool it
// creates is shared with the bisector so the concurrency cap holds globally.
func NewRunner(logger *zap.Logger, fetcher Fetcher, statuses StatusFetcher, store Store, events Events, cfg RunnerConfig) *Runner {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = DefaultRunnerConfig().MaxConcurrentFetches
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultRunnerConfig().FetchTimeout
	}
	pool := pond.NewPool(cfg.MaxConcurrentFetches)
	r := &Runner{
		Logger:   logger,
		Fetcher:  fetcher,
		Statuses: statuses,
		Store:    store,
		Events:   events,
		Config:   cfg,
		pool:     pool,
		active:   xsync.NewMap[string, *Investigation](),
	}
	r.bisector = &Bisector{
		Logger:  logger.Named("bisect"),
		Fetcher: fetcher,
		Store:   store,
		Pool:    pool,
		Config:  cfg.Bisect,
	}
	return r
}

// RunPass executes one audit pass over the batch. Transient fetch problems
// are absorbed as missing data for this pass; only storage failures and
// cancellation surface as errors.
func (r *Runner) RunPass(ctx context.Context, batch Batch) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now().UTC()}

	indexers := dedupeIndexers(batch.Indexers)
	byID := make(map[string]Indexer, len(indexers))
	for _, ix := range indexers {
		byID[ix.ID] = ix
	}
	deployments := make(map[string]Deployment, len(batch.Deployments))
	for _, d := range batch.Deployments {
		deployments[d.ID] = d
	}

	r.Logger.Info("Starting cross-check pass",
		zap.Int("indexers", len(indexers)),
		zap.Int("deployments", len(deployments)))

	statuses := r.fetchStatuses(ctx, indexers, deployments, summary)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	targets := r.chooseTargets(statuses)
	records := r.fetchDigests(ctx, targets, byID, summary)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Deterministic iteration keeps log output and investigation ordering
	// reproducible across runs.
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, dep := range keys {
		group := records[dep]
		class, partition, err := Classify(group)
		if err != nil {
			// Only a runner bug can trip the classifier contract.
			return summary, err
		}
		switch class {
		case ClassUnanimous:
			summary.Unanimous++
		case ClassInconclusive:
			summary.Inconclusive++
		case ClassDivergent:
			summary.Divergent++
			r.handleDivergence(ctx, deployments[dep], partition, byID, summary)
		}
	}

	r.mu.Lock()
	summary.Resolved = append(summary.Resolved, r.resolved...)
	r.resolved = nil
	r.mu.Unlock()

	summary.FinishedAt = time.Now().UTC()
	r.Logger.Info("Cross-check pass finished",
		zap.Int("unanimous", summary.Unanimous),
		zap.Int("divergent", summary.Divergent),
		zap.Int("inconclusive", summary.Inconclusive),
		zap.Int("digests", summary.DigestsFetched),
		zap.Int("fetch_failures", summary.FetchFailures),
		zap.Int("anomalies", len(summary.Anomalies)),
		zap.Strings("opened", summary.Opened))
	return summary, nil
}

// WaitInvestigations blocks until all background bisections started by this
// runner have finished or been abandoned.
func (r *Runner) WaitInvestigations() {
	r.wg.Wait()
}

// DrainResolved returns investigations that reached a terminal state since
// the last call.
func (r *Runner) DrainResolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.resolved
	r.resolved = nil
	return out
}

// Close drains background work and releases the fetch pool.
func (r *Runner) Close() {
	r.wg.Wait()
	r.pool.StopAndWait()
}

// fetchStatuses queries every indexer for its indexing statuses concurrently,
// keeping only statuses for tracked deployments. A failed indexer is simply
// absent from this pass.
func (r *Runner) fetchStatuses(ctx context.Context, indexers []Indexer, deployments map[string]Deployment, summary *Summary) []IndexingStatus {
	var (
		mu  sync.Mutex
		out []IndexingStatus
	)

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, ix := range indexers {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			fetchCtx, cancel := context.WithTimeout(groupCtx, r.Config.FetchTimeout)
			statuses, err := r.Statuses.IndexingStatuses(fetchCtx, ix)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.StatusFailures++
				r.Logger.Debug("Failed to query indexing statuses",
					zap.String("indexer", ix.ID), zap.Error(err))
				return
			}
			summary.StatusSuccesses++
			for _, s := range statuses {
				if _, tracked := deployments[s.Deployment]; tracked {
					out = append(out, s)
				}
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.Logger.Warn("Status fan-out group error", zap.Error(err))
	}
	return out
}

// fetchTarget is one digest to fetch: an indexer asked about a deployment at
// the deployment's chosen comparison block.
type fetchTarget struct {
	deployment string
	indexer    string
	block      uint64
}

// chooseTargets groups statuses by deployment, picks a comparison block per
// deployment via the block choice policy, and emits one target per indexer
// that has reached that block.
func (r *Runner) chooseTargets(statuses []IndexingStatus) []fetchTarget {
	byDeployment := make(map[string][]IndexingStatus)
	for _, s := range statuses {
		byDeployment[s.Deployment] = append(byDeployment[s.Deployment], s)
	}

	var targets []fetchTarget
	for dep, group := range byDeployment {
		block, ok := r.Config.BlockChoice.ChooseBlock(group)
		if !ok {
			continue
		}
		for _, s := range group {
			if s.LatestBlock.Number >= block && s.EarliestBlock <= block {
				targets = append(targets, fetchTarget{deployment: dep, indexer: s.Indexer, block: block})
			}
		}
	}
	return targets
}

// fetchDigests fans out one digest fetch per target, bounded by the shared
// pool. Failures and self-inconsistent reports are excluded from the
// partition input; everything else is upserted and grouped by deployment.
func (r *Runner) fetchDigests(ctx context.Context, targets []fetchTarget, byID map[string]Indexer, summary *Summary) map[string][]DigestRecord {
	var mu sync.Mutex
	records := make(map[string][]DigestRecord)
	// Seed every targeted deployment so ones that lose all their fetches
	// still classify as inconclusive instead of vanishing from the pass.
	for _, t := range targets {
		if _, ok := records[t.deployment]; !ok {
			records[t.deployment] = []DigestRecord{}
		}
	}

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, t := range targets {
		ix, ok := byID[t.indexer]
		if !ok {
			continue
		}
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			fetchCtx, cancel := context.WithTimeout(groupCtx, r.Config.FetchTimeout)
			rec, err := r.Fetcher.FetchDigest(fetchCtx, t.deployment, ix, t.block)
			cancel()
			if err != nil {
				// No data for this pair this pass; siblings are unaffected.
				mu.Lock()
				summary.FetchFailures++
				mu.Unlock()
				r.Logger.Debug("Digest fetch failed",
					zap.String("deployment", t.deployment),
					zap.String("indexer", t.indexer),
					zap.Uint64("block", t.block),
					zap.Error(err))
				return
			}

			stored, err := r.Store.GetDigest(groupCtx, rec.Deployment, rec.Indexer, rec.Block.Number)
			if err != nil {
				r.Logger.Warn("Failed to read stored digest", zap.Error(err))
			}
			if stored != nil && (stored.Digest != rec.Digest || (stored.Block.Hash != "" && rec.Block.Hash != "" && stored.Block.Hash != rec.Block.Hash)) {
				anomaly := Anomaly{
					Deployment: rec.Deployment,
					Indexer:    rec.Indexer,
					Block:      rec.Block.Number,
					Stored:     stored.Digest,
					Fetched:    rec.Digest,
				}
				r.Logger.Warn("Self-inconsistent indexer report", zap.String("anomaly", anomaly.String()))
				mu.Lock()
				summary.Anomalies = append(summary.Anomalies, anomaly)
				mu.Unlock()
				return
			}

			if err := r.Store.PutDigest(groupCtx, rec, LivenessLive); err != nil {
				r.Logger.Warn("Failed to store digest", zap.Error(err))
			}

			mu.Lock()
			summary.DigestsFetched++
			records[rec.Deployment] = append(records[rec.Deployment], *rec)
			mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.Logger.Warn("Digest fan-out group error", zap.Error(err))
	}
	return records
}

// handleDivergence opens (or resumes) the investigation for a divergent
// partition and launches its bisection in the background. Repeat passes over
// unchanged data recognize the existing investigation and open nothing.
func (r *Runner) handleDivergence(ctx context.Context, dep Deployment, partition *Partition, byID map[string]Indexer, summary *Summary) {
	a, b, ok := SelectPair(partition)
	if !ok {
		return
	}
	id := InvestigationID(dep.ID, a, b, partition.Block)
	log := r.Logger.With(zap.String("investigation", id))

	if _, running := r.active.Load(id); running {
		summary.Known = append(summary.Known, id)
		return
	}

	existing, err := r.Store.FindInvestigation(ctx, dep.ID, a, b, partition.Block)
	if err != nil {
		log.Error("Failed to look up investigation", zap.Error(err))
		return
	}

	var inv *Investigation
	switch {
	case existing != nil && existing.Terminal():
		summary.Known = append(summary.Known, id)
		return
	case existing != nil:
		// Persisted but not running here: resume with the saved bracket.
		inv = existing
		log.Info("Resuming persisted investigation",
			zap.Uint64("low", inv.Low), zap.Uint64("high", inv.High))
	default:
		low, found, err := r.Store.LatestAgreeingBlock(ctx, dep.ID, a, b, partition.Block)
		if !found || err != nil {
			if err != nil {
				log.Warn("Failed to find last agreeing block, falling back to deployment start", zap.Error(err))
			}
			low = dep.StartBlock
		}
		if low >= partition.Block {
			log.Warn("Divergence at or below deployment start, nothing to bisect",
				zap.Uint64("block", partition.Block), zap.Uint64("start", dep.StartBlock))
			return
		}
		inv, err = NewInvestigation(dep.ID, a, b, low, partition.Block)
		if err != nil {
			log.Error("Failed to open investigation", zap.Error(err))
			return
		}
		if err := r.Store.PutInvestigation(ctx, inv); err != nil {
			log.Error("Failed to persist new investigation", zap.Error(err))
			return
		}
		log.Info("Opened divergence investigation",
			zap.String("deployment", dep.ID),
			zap.String("indexerA", a),
			zap.String("indexerB", b),
			zap.Uint64("low", low),
			zap.Uint64("high", partition.Block))
	}

	summary.Opened = append(summary.Opened, inv.ID)
	if r.Events != nil {
		r.Events.InvestigationOpened(ctx, inv)
	}
	if r.Config.DisableBisection {
		return
	}

	digestA := digestFor(partition, a)
	digestB := digestFor(partition, b)
	ixA, ixB := byID[inv.IndexerA], byID[inv.IndexerB]

	r.active.Store(inv.ID, inv)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Delete(inv.ID)

		if err := r.bisector.Run(ctx, inv, ixA, ixB); err != nil {
			// Cancellation leaves the investigation Active and resumable.
			log.Warn("Bisection abandoned", zap.Error(err))
			return
		}
		r.finishInvestigation(ctx, inv, digestA, digestB, log)
	}()
}

func (r *Runner) finishInvestigation(ctx context.Context, inv *Investigation, digestA, digestB Digest, log *zap.Logger) {
	rep := &CrossCheckReport{
		Deployment:     inv.Deployment,
		IndexerA:       inv.IndexerA,
		IndexerB:       inv.IndexerB,
		Block:          inv.OriginBlock,
		DigestA:        digestA,
		DigestB:        digestB,
		DivergingBlock: inv.DivergingBlock,
		CreatedAt:      time.Now().UTC(),
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.Store.PutReport(saveCtx, rep); err != nil {
		log.Error("Failed to persist cross-check report", zap.Error(err))
	}
	if r.Events != nil {
		r.Events.InvestigationFinished(saveCtx, inv)
	}

	r.mu.Lock()
	r.resolved = append(r.resolved, inv.ID)
	r.mu.Unlock()
}

func digestFor(p *Partition, indexer string) Digest {
	for _, g := range p.Groups {
		for _, ix := range g.Indexers {
			if ix == indexer {
				return g.Digest
			}
		}
	}
	return Digest{}
}

func dedupeIndexers(in []Indexer) []Indexer {
	seen := make(map[string]bool, len(in))
	out := make([]Indexer, 0, len(in))
	for _, ix := range in {
		key := ix.ID
		if ix.Address != "" {
			key = ix.Address
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ix)
	}
	return out
}
