package controller

import (
	"net/http"

	poiredis "github.com/graphops/poiwatch/pkg/redis"
)

// HandleEvents returns the bounded investigation event history from the Redis
// stream, oldest first. Cursor pagination uses stream entry IDs: pass the last
// seen ID as ?after= to page forward.
func (c *Controller) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not available (Redis disabled)")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := "-"
	if after := r.URL.Query().Get("after"); after != "" {
		// XRange treats "(id" as exclusive start.
		start = "(" + after
	}

	msgs, err := c.App.RedisClient.XRange(r.Context(), poiredis.EventsStream, start, "+", int64(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	total, err := c.App.RedisClient.XLen(r.Context(), poiredis.EventsStream)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	type event struct {
		ID     string            `json:"id"`
		Fields map[string]string `json:"fields"`
	}
	out := make([]event, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		out = append(out, event{ID: m.ID, Fields: fields})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out, "limit": limit, "total": total})
}
