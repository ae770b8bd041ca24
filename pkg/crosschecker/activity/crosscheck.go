package activity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/graphops/poiwatch/pkg/crosschecker/types"
	"github.com/graphops/poiwatch/pkg/poi"
)

// RunCrossCheckPass executes one full cross-check pass over the enabled
// deployments and indexers. Bisections never run inside this activity:
// divergences only open investigations, and the workflow fans them out to the
// bisect queue where each one is durable on its own.
func (c *Context) RunCrossCheckPass(ctx context.Context, in types.CrossCheckInput) (types.CrossCheckOutput, error) {
	start := time.Now()

	batch, err := c.AuditDB.AuditBatch(ctx)
	if err != nil {
		return types.CrossCheckOutput{}, err
	}
	if len(batch.Deployments) == 0 || len(batch.Indexers) < 2 {
		c.Logger.Info("Nothing to cross-check",
			zap.Int("deployments", len(batch.Deployments)),
			zap.Int("indexers", len(batch.Indexers)))
		return types.CrossCheckOutput{DurationMs: float64(time.Since(start).Milliseconds())}, nil
	}

	cfg := c.RunnerConfig
	cfg.DisableBisection = true

	runner := poi.NewRunner(c.Logger, c.Fetcher, c.Statuses, c.AuditDB, c.Events, cfg)
	defer runner.Close()

	summary, err := runner.RunPass(ctx, *batch)
	out := types.CrossCheckOutput{DurationMs: float64(time.Since(start).Milliseconds())}
	if summary != nil {
		out.Summary = *summary
	}
	return out, err
}

// ListActiveInvestigations returns the investigations that still need
// bisection work, including ones abandoned by an earlier crashed worker.
func (c *Context) ListActiveInvestigations(ctx context.Context) (types.ListActiveOutput, error) {
	invs, err := c.AuditDB.ListActiveInvestigations(ctx)
	if err != nil {
		return types.ListActiveOutput{}, err
	}
	out := types.ListActiveOutput{InvestigationIDs: make([]string, 0, len(invs))}
	for _, inv := range invs {
		out.InvestigationIDs = append(out.InvestigationIDs, inv.ID)
	}
	return out, nil
}
