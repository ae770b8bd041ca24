package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/graphops/poiwatch/pkg/crosschecker/types"
)

// BisectionWorkflow drives one investigation to a terminal state. The single
// activity holds the whole binary search; its durable state lives in the
// investigation's persisted probe history, so a retried attempt resumes the
// saved bracket rather than replaying probes from scratch.
func (wc *Context) BisectionWorkflow(ctx workflow.Context, in types.BisectionInput) (types.BisectionOutput, error) {
	retry := &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    10,
	}
	ao := workflow.ActivityOptions{
		// Worst case is ~2*log2(bracket) probes, each with per-fetch retries
		// behind its own budget; the activity terminates the investigation
		// itself long before this deadline unless the worker is wedged.
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         retry,
		TaskQueue:           workflow.GetInfo(ctx).TaskQueueName,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out types.BisectionOutput
	err := workflow.ExecuteActivity(ctx, wc.ActivityContext.RunBisection, in).Get(ctx, &out)
	return out, err
}
