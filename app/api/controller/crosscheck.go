package controller

import (
	"net/http"
	"time"

	"go.temporal.io/sdk/client"

	cctypes "github.com/graphops/poiwatch/pkg/crosschecker/types"
	ccworkflow "github.com/graphops/poiwatch/pkg/crosschecker/workflow"
	"github.com/graphops/poiwatch/pkg/temporal"
)

// HandleTriggerCrossCheck starts an out-of-schedule cross-check pass.
func (c *Controller) HandleTriggerCrossCheck(w http.ResponseWriter, r *http.Request) {
	if c.App.TemporalClient == nil {
		writeError(w, http.StatusServiceUnavailable, "temporal not available")
		return
	}

	opts := client.StartWorkflowOptions{
		ID:        c.App.TemporalClient.CrossCheckWorkflowID(time.Now()),
		TaskQueue: temporal.QueueCrossCheck,
	}
	run, err := c.App.TemporalClient.TClient.ExecuteWorkflow(
		r.Context(), opts, ccworkflow.CrossCheckWorkflowName, cctypes.CrossCheckInput{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start cross-check workflow")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflowId": run.GetID(),
		"runId":      run.GetRunID(),
	})
}
