package workflow

import (
	"github.com/graphops/poiwatch/pkg/crosschecker/activity"
	"github.com/graphops/poiwatch/pkg/temporal"
)

// Registered workflow names. Schedules and child workflow fan-out refer to
// workflows by these names, so they must match the worker registrations.
const (
	CrossCheckWorkflowName = "CrossCheckWorkflow"
	BisectionWorkflowName  = "BisectionWorkflow"
)

type Context struct {
	TemporalClient  *temporal.Client
	ActivityContext *activity.Context
}
