package controller

import (
	"net/http"

	"github.com/gorilla/mux"
)

// HandlePoisList returns stored digests, optionally filtered by deployment.
func (c *Controller) HandlePoisList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := c.App.AuditDB.ListDigests(r.Context(), r.URL.Query().Get("deployment"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows, "limit": limit})
}

// HandleInvestigationsList returns investigations, optionally filtered by
// status (active, pinpointed, inconclusive, aborted).
func (c *Controller) HandleInvestigationsList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := c.App.AuditDB.ListInvestigations(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows, "limit": limit})
}

// HandleInvestigationDetail returns one investigation with its full probe
// history.
func (c *Controller) HandleInvestigationDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inv, err := c.App.AuditDB.GetInvestigation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "investigation not found")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// HandleReportsList returns cross-check reports, optionally filtered by
// deployment.
func (c *Controller) HandleReportsList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := c.App.AuditDB.ListReports(r.Context(), r.URL.Query().Get("deployment"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows, "limit": limit})
}
