package controller

import (
	"net/http"
)

// HandleHealth reports storage health plus the state of the optional
// collaborators. ClickHouse down means the API is down; Redis and Temporal
// degrade individual features only.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn := c.App.AuditDB.GetConnection()
	if conn == nil || conn.Ping(ctx) != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "errored", "error": "database connection error"})
		return
	}

	components := map[string]interface{}{"clickhouse": "ok"}

	if c.App.RedisClient == nil {
		components["redis"] = "disabled"
	} else if err := c.App.RedisClient.Health(ctx); err != nil {
		components["redis"] = "errored"
	} else {
		components["redis"] = "ok"
	}

	if c.App.TemporalClient == nil {
		components["temporal"] = "disabled"
	} else if h, err := c.App.TemporalClient.Health(ctx); err != nil {
		components["temporal"] = "errored"
	} else {
		components["temporal"] = h
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"components": components,
	})
}
