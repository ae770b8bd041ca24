package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/crosschecker/types"
	"github.com/graphops/poiwatch/pkg/poi"
)

// RunBisection drives one persisted investigation to a terminal state. The
// investigation's probe history in ClickHouse is the durable state: if the
// worker dies mid-run, the Temporal retry reloads the saved bracket and
// resumes (re-validating the low end) instead of starting over. Re-running a
// finished investigation is a no-op, so workflow-level retries stay safe.
func (c *Context) RunBisection(ctx context.Context, in types.BisectionInput) (types.BisectionOutput, error) {
	start := time.Now()

	inv, err := c.AuditDB.GetInvestigation(ctx, in.InvestigationID)
	if err != nil {
		return types.BisectionOutput{}, err
	}
	if inv == nil {
		return types.BisectionOutput{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("investigation %s not found", in.InvestigationID), "NotFound", nil)
	}
	if inv.Terminal() {
		return bisectionOutput(inv, start), nil
	}

	ixA, ixB, err := c.resolveIndexers(ctx, inv.IndexerA, inv.IndexerB)
	if err != nil {
		return types.BisectionOutput{}, err
	}

	pool := pond.NewPool(c.RunnerConfig.MaxConcurrentFetches)
	defer pool.StopAndWait()

	bisector := &poi.Bisector{
		Logger:  c.Logger.Named("bisect"),
		Fetcher: c.Fetcher,
		Store:   c.AuditDB,
		Pool:    pool,
		Config:  c.RunnerConfig.Bisect,
	}
	if err := bisector.Run(ctx, inv, ixA, ixB); err != nil {
		// Cancellation persisted the bracket as Active; the retry resumes it.
		return types.BisectionOutput{}, err
	}

	c.finishInvestigation(ctx, inv)
	return bisectionOutput(inv, start), nil
}

// resolveIndexers looks the investigation's pair up in the indexer registry.
func (c *Context) resolveIndexers(ctx context.Context, idA, idB string) (poi.Indexer, poi.Indexer, error) {
	rows, err := c.AuditDB.ListIndexers(ctx)
	if err != nil {
		return poi.Indexer{}, poi.Indexer{}, err
	}
	byID := make(map[string]poi.Indexer, len(rows))
	for _, row := range rows {
		ix := row.Indexer()
		byID[ix.ID] = ix
	}

	ixA, okA := byID[idA]
	ixB, okB := byID[idB]
	if !okA || !okB {
		return poi.Indexer{}, poi.Indexer{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("indexer pair (%s, %s) no longer registered", idA, idB), "NotFound", nil)
	}
	return ixA, ixB, nil
}

// finishInvestigation writes the cross-check report row for a terminal
// investigation and publishes the lifecycle event. The origin digests come
// from the pois table, stored there by the pass that opened the
// investigation.
func (c *Context) finishInvestigation(ctx context.Context, inv *poi.Investigation) {
	log := c.Logger.With(zap.String("investigation", inv.ID))

	rep := &poi.CrossCheckReport{
		Deployment:     inv.Deployment,
		IndexerA:       inv.IndexerA,
		IndexerB:       inv.IndexerB,
		Block:          inv.OriginBlock,
		DivergingBlock: inv.DivergingBlock,
		CreatedAt:      time.Now().UTC(),
	}
	if rec, err := c.AuditDB.GetDigest(ctx, inv.Deployment, inv.IndexerA, inv.OriginBlock); err == nil && rec != nil {
		rep.DigestA = rec.Digest
	}
	if rec, err := c.AuditDB.GetDigest(ctx, inv.Deployment, inv.IndexerB, inv.OriginBlock); err == nil && rec != nil {
		rep.DigestB = rec.Digest
	}

	if err := c.AuditDB.PutReport(ctx, rep); err != nil {
		log.Error("Failed to persist cross-check report", zap.Error(err))
	}
	if c.Events != nil {
		c.Events.InvestigationFinished(ctx, inv)
	}
	log.Info("Investigation finished",
		zap.String("status", string(inv.Status)),
		zap.String("reason", inv.Reason),
		zap.Uint64("divergingBlock", inv.DivergingBlock),
		zap.Int("probes", len(inv.Probes)))
}

func bisectionOutput(inv *poi.Investigation, start time.Time) types.BisectionOutput {
	return types.BisectionOutput{
		InvestigationID: inv.ID,
		Status:          string(inv.Status),
		Reason:          inv.Reason,
		DivergingBlock:  inv.DivergingBlock,
		Probes:          len(inv.Probes),
		DurationMs:      float64(time.Since(start).Milliseconds()),
	}
}
