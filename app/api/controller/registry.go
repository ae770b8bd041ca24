package controller

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	auditmodels "github.com/graphops/poiwatch/pkg/db/models/audit"
	"github.com/graphops/poiwatch/pkg/utils"
)

// HandleDeploymentsList returns the deployment registry.
func (c *Controller) HandleDeploymentsList(w http.ResponseWriter, r *http.Request) {
	rows, err := c.App.AuditDB.ListDeployments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows})
}

// HandleDeploymentUpsert adds a deployment to the audit set or updates it.
func (c *Controller) HandleDeploymentUpsert(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID         string `json:"id"`
		Network    string `json:"network"`
		StartBlock uint64 `json:"start_block"`
		Enabled    *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	// Deployment IDs are IPFS CIDv0 strings.
	if !strings.HasPrefix(in.ID, "Qm") || len(in.ID) != 46 {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	row := &auditmodels.Deployment{
		ID:         in.ID,
		Network:    in.Network,
		StartBlock: in.StartBlock,
		Enabled:    utils.BoolToUInt8(enabled),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := c.App.AuditDB.UpsertDeployment(r.Context(), row); err != nil {
		writeError(w, http.StatusInternalServerError, "upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// HandleDeploymentPatch toggles a registered deployment.
func (c *Controller) HandleDeploymentPatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	rows, err := c.App.AuditDB.ListDeployments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	for _, row := range rows {
		if row.ID != id {
			continue
		}
		row.Enabled = utils.BoolToUInt8(in.Enabled)
		row.UpdatedAt = time.Now().UTC()
		if err := c.App.AuditDB.UpsertDeployment(r.Context(), row); err != nil {
			writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
		writeJSON(w, http.StatusOK, row)
		return
	}
	writeError(w, http.StatusNotFound, "deployment not found")
}

// HandleIndexersList returns the indexer registry.
func (c *Controller) HandleIndexersList(w http.ResponseWriter, r *http.Request) {
	rows, err := c.App.AuditDB.ListIndexers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows})
}

// HandleIndexerUpsert adds an indexer to the audit set or updates its address.
func (c *Controller) HandleIndexerUpsert(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID      string `json:"id"`
		Address string `json:"address"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if in.ID == "" || in.Address == "" {
		writeError(w, http.StatusBadRequest, "id and address are required")
		return
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	row := &auditmodels.Indexer{
		ID:        in.ID,
		Address:   in.Address,
		Enabled:   utils.BoolToUInt8(enabled),
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.App.AuditDB.UpsertIndexer(r.Context(), row); err != nil {
		writeError(w, http.StatusInternalServerError, "upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// HandleIndexerPatch toggles a registered indexer.
func (c *Controller) HandleIndexerPatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	rows, err := c.App.AuditDB.ListIndexers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	for _, row := range rows {
		if row.ID != id {
			continue
		}
		row.Enabled = utils.BoolToUInt8(in.Enabled)
		row.UpdatedAt = time.Now().UTC()
		if err := c.App.AuditDB.UpsertIndexer(r.Context(), row); err != nil {
			writeError(w, http.StatusInternalServerError, "upsert failed")
			return
		}
		writeJSON(w, http.StatusOK, row)
		return
	}
	writeError(w, http.StatusNotFound, "indexer not found")
}
