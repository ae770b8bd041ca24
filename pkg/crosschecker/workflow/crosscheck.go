package workflow

import (
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/graphops/poiwatch/pkg/crosschecker/types"
	poitemporal "github.com/graphops/poiwatch/pkg/temporal"
)

// CrossCheckWorkflow runs one scheduled audit pass and fans a bisection
// workflow out for every investigation that still needs work, including ones
// abandoned by an earlier crashed worker. Bisections run on their own queue
// so a backlog of them never starves the next pass.
func (wc *Context) CrossCheckWorkflow(ctx workflow.Context, in types.CrossCheckInput) (types.CrossCheckOutput, error) {
	retry := &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	}
	ao := workflow.ActivityOptions{
		// A pass fans out one status fetch per indexer and one digest fetch
		// per (deployment, indexer) target; the pool bounds concurrency, not
		// total work, so give the whole sweep room.
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy:         retry,
		TaskQueue:           workflow.GetInfo(ctx).TaskQueueName,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out types.CrossCheckOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.RunCrossCheckPass, in).Get(ctx, &out); err != nil {
		return out, err
	}
	if in.DisableBisection {
		return out, nil
	}

	var active types.ListActiveOutput
	if err := workflow.ExecuteActivity(ctx, wc.ActivityContext.ListActiveInvestigations).Get(ctx, &active); err != nil {
		return out, err
	}

	logger := workflow.GetLogger(ctx)
	// Futures are collected in activity order; map iteration is not
	// replay-safe inside a workflow.
	futures := make([]workflow.ChildWorkflowFuture, 0, len(active.InvestigationIDs))
	for _, id := range active.InvestigationIDs {
		cwo := workflow.ChildWorkflowOptions{
			// The workflow ID carries the investigation's natural identity,
			// so a pass overlapping an in-flight bisection dedupes here.
			WorkflowID:            wc.TemporalClient.BisectionWorkflowID(id),
			TaskQueue:             poitemporal.QueueBisect,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
			ParentClosePolicy:     enumspb.PARENT_CLOSE_POLICY_ABANDON,
		}
		childCtx := workflow.WithChildOptions(ctx, cwo)
		futures = append(futures, workflow.ExecuteChildWorkflow(childCtx, wc.BisectionWorkflow, types.BisectionInput{InvestigationID: id}))
	}

	for i, future := range futures {
		var bisectOut types.BisectionOutput
		if err := future.Get(ctx, &bisectOut); err != nil {
			// Already running from a previous pass, or it exhausted its
			// retries; either way the next pass picks it up again.
			logger.Warn("Bisection workflow did not complete", "investigation", active.InvestigationIDs[i], "error", err)
			continue
		}
		out.Bisections = append(out.Bisections, bisectOut)
	}
	return out, nil
}
