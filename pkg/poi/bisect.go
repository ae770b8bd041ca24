package poi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// BisectConfig bounds a bisection run.
type BisectConfig struct {
	// FetchTimeout is the deadline for a single fetch attempt.
	FetchTimeout time.Duration
	// FetchAttempts is how many times one indexer is asked for one block
	// before the probe gives up (first try included). Only transient
	// failures are retried.
	FetchAttempts int
	// RetryDelay is the base backoff between attempts; it doubles per retry.
	RetryDelay time.Duration
	// MaxFetchAttempts caps total fetch attempts (retries included) for the
	// whole investigation, guarding against pathological repeated transient
	// failures. The success path needs at most 2*ceil(log2(high-low)).
	MaxFetchAttempts int
	// RevalidateLow re-verifies on resume that the pair still agrees at the
	// bracket's low end; data may have been pruned or re-synced since the
	// bracket was persisted.
	RevalidateLow bool
}

// DefaultBisectConfig returns the bisection bounds used in production.
func DefaultBisectConfig() BisectConfig {
	return BisectConfig{
		FetchTimeout:     30 * time.Second,
		FetchAttempts:    3,
		RetryDelay:       500 * time.Millisecond,
		MaxFetchAttempts: 128,
		RevalidateLow:    true,
	}
}

var errProbeBudget = errors.New("probe budget exceeded")

// Bisector localizes the earliest diverging block between two indexers by
// adaptive binary search over the investigation's bracket.
//
// Probes are strictly sequential: each probe's direction depends on the prior
// outcome. Within one probe the two indexers are fetched concurrently on the
// shared pool, so bisection fetches count against the same in-flight cap as
// the main pass.
type Bisector struct {
	Logger  *zap.Logger
	Fetcher Fetcher
	Store   Store
	Pool    pond.Pool
	Config  BisectConfig
}

// Run drives inv to a terminal state, persisting it after every probe.
//
// On context cancellation the investigation is persisted as it stands, still
// Active with its history up to the last completed probe, and Run returns the
// context error; a later pass resumes it with the same bracket. A persistent
// fetch failure terminates the investigation Inconclusive rather than
// guessing a search direction, which would silently corrupt the located
// block. Exhausting the fetch budget terminates it Aborted.
func (bi *Bisector) Run(ctx context.Context, inv *Investigation, ixA, ixB Indexer) error {
	if inv.Status != StatusActive {
		return fmt.Errorf("%w: investigation %s is %s, not active", ErrContractViolation, inv.ID, inv.Status)
	}
	if ixA.ID != inv.IndexerA || ixB.ID != inv.IndexerB {
		return fmt.Errorf("%w: indexer pair (%s, %s) does not match investigation %s", ErrContractViolation, ixA.ID, ixB.ID, inv.ID)
	}

	log := bi.Logger.With(
		zap.String("investigation", inv.ID),
		zap.String("deployment", inv.Deployment),
		zap.String("indexerA", inv.IndexerA),
		zap.String("indexerB", inv.IndexerB),
	)

	attempts := 0
	resuming := len(inv.Probes) > 0

	if resuming && bi.Config.RevalidateLow {
		log.Info("Resuming investigation, re-validating bracket low",
			zap.Uint64("low", inv.Low), zap.Uint64("high", inv.High))
		if done, err := bi.probeAndNarrow(ctx, inv, ixA, ixB, inv.Low, &attempts, log); done || err != nil {
			return err
		}
	}

	for inv.Converging() {
		if err := ctx.Err(); err != nil {
			bi.persist(ctx, inv, log)
			return err
		}
		if done, err := bi.probeAndNarrow(ctx, inv, ixA, ixB, inv.NextProbe(), &attempts, log); done || err != nil {
			return err
		}
	}

	if inv.Status == StatusActive {
		inv.Pinpoint()
		log.Info("Bisection pinpointed diverging block",
			zap.Uint64("block", inv.DivergingBlock),
			zap.Int("probes", len(inv.Probes)))
		bi.persist(ctx, inv, log)
	}
	return nil
}

// probeAndNarrow runs one probe at the given block and applies its outcome.
// It reports done=true when the investigation reached a terminal state.
func (bi *Bisector) probeAndNarrow(ctx context.Context, inv *Investigation, ixA, ixB Indexer, block uint64, attempts *int, log *zap.Logger) (bool, error) {
	recA, recB, err := bi.probePair(ctx, inv, ixA, ixB, block, attempts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Abandoned, not failed: keep it Active and resumable.
			bi.persist(ctx, inv, log)
			return true, ctxErr
		}
		inv.RecordProbe(Probe{Block: block, Err: err.Error()})
		if errors.Is(err, errProbeBudget) {
			inv.Finish(StatusAborted, ReasonProbeBudgetExceeded)
		} else {
			inv.Finish(StatusInconclusive, ReasonFetchFailure)
		}
		log.Warn("Bisection probe failed, terminating investigation",
			zap.Uint64("block", block),
			zap.String("status", string(inv.Status)),
			zap.Error(err))
		bi.persist(ctx, inv, log)
		return true, nil
	}

	equal := recA.Digest == recB.Digest
	inv.RecordProbe(Probe{Block: block, DigestA: &recA.Digest, DigestB: &recB.Digest})

	if block == inv.Low {
		// Revalidation probe: the bracket is only trustworthy if the pair
		// still agrees at its low end.
		if !equal {
			inv.Finish(StatusInconclusive, ReasonBracketInvalidated)
			log.Warn("Bracket low no longer agrees, terminating investigation",
				zap.Uint64("low", inv.Low))
			bi.persist(ctx, inv, log)
			return true, nil
		}
	} else {
		inv.Narrow(equal)
	}

	log.Debug("Bisection probe complete",
		zap.Uint64("block", block),
		zap.Bool("equal", equal),
		zap.Uint64("low", inv.Low),
		zap.Uint64("high", inv.High))
	bi.persist(ctx, inv, log)
	return false, nil
}

// probePair fetches both indexers' digests at the same block concurrently.
func (bi *Bisector) probePair(ctx context.Context, inv *Investigation, ixA, ixB Indexer, block uint64, attempts *int) (recA, recB *DigestRecord, err error) {
	var errA, errB error

	group := bi.Pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	// The budget counter is only touched from this goroutine's fetches; the
	// two submissions split it via the shared pointer, guarded below.
	budgetA, budgetB := splitBudget(bi.Config.MaxFetchAttempts-*attempts, bi.Config.FetchAttempts)

	group.Submit(func() {
		recA, errA = bi.fetchWithRetry(groupCtx, inv.Deployment, ixA, block, budgetA)
	})
	group.Submit(func() {
		recB, errB = bi.fetchWithRetry(groupCtx, inv.Deployment, ixB, block, budgetB)
	})
	if werr := group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && !errors.Is(werr, pond.ErrGroupStopped) {
		bi.Logger.Warn("Probe pair group error", zap.Error(werr))
	}

	*attempts += budgetA.used + budgetB.used
	if errors.Is(errA, errProbeBudget) || errors.Is(errB, errProbeBudget) {
		return nil, nil, errProbeBudget
	}
	ferr := errA
	if ferr == nil {
		ferr = errB
	}
	if ferr != nil {
		// A non-transient failure names the real cause even when it lands on
		// the attempt that exhausts the budget.
		if *attempts >= bi.Config.MaxFetchAttempts && IsTransientFetch(ferr) {
			return nil, nil, errProbeBudget
		}
		return nil, nil, ferr
	}

	// Record probe digests for historical trend queries.
	if bi.Store != nil {
		if perr := bi.Store.PutDigest(ctx, recA, LivenessProbe); perr != nil {
			bi.Logger.Warn("Failed to store probe digest", zap.Error(perr))
		}
		if perr := bi.Store.PutDigest(ctx, recB, LivenessProbe); perr != nil {
			bi.Logger.Warn("Failed to store probe digest", zap.Error(perr))
		}
	}
	return recA, recB, nil
}

// fetchBudget tracks per-probe attempt accounting for one indexer.
type fetchBudget struct {
	max  int
	used int
}

func splitBudget(remaining, perFetch int) (*fetchBudget, *fetchBudget) {
	if remaining < 0 {
		remaining = 0
	}
	half := remaining / 2
	capAttempts := func(n int) int {
		if n > perFetch {
			return perFetch
		}
		return n
	}
	return &fetchBudget{max: capAttempts(remaining - half)}, &fetchBudget{max: capAttempts(half)}
}

// fetchWithRetry asks one indexer for one block, retrying transient failures
// with doubling backoff until the per-probe attempt budget runs out.
func (bi *Bisector) fetchWithRetry(ctx context.Context, deployment string, ix Indexer, block uint64, budget *fetchBudget) (*DigestRecord, error) {
	if budget.max <= 0 {
		return nil, errProbeBudget
	}

	var lastErr error
	delay := bi.Config.RetryDelay
	for budget.used < budget.max {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		budget.used++

		fetchCtx, cancel := context.WithTimeout(ctx, bi.Config.FetchTimeout)
		rec, err := bi.Fetcher.FetchDigest(fetchCtx, deployment, ix, block)
		cancel()
		if err == nil {
			return rec, nil
		}
		lastErr = err

		if !IsTransientFetch(err) || budget.used >= budget.max {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (bi *Bisector) persist(ctx context.Context, inv *Investigation, log *zap.Logger) {
	if bi.Store == nil {
		return
	}
	// Persist with a detached context so a cancelled pass still saves the
	// probe history accumulated so far.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := bi.Store.PutInvestigation(saveCtx, inv); err != nil {
		log.Error("Failed to persist investigation", zap.Error(err))
	}
}
