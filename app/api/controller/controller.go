package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"

	"github.com/graphops/poiwatch/app/api/types"
	"github.com/graphops/poiwatch/pkg/utils"
)

type Controller struct {
	App       *types.App
	APIToken  string
	Users     map[string]types.User
	JWTSecret []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	apiToken := utils.Env("API_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(adminPass)
	users := map[string]types.User{}
	users[adminUser] = types.User{Username: adminUser, Hash: phash, Role: "admin"}
	if adminUsersJSON != "" {
		_ = json.Unmarshal([]byte(adminUsersJSON), &users)
	}

	return &Controller{
		App:       app,
		APIToken:  apiToken,
		Users:     users,
		JWTSecret: jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPatch+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	// Registries: which deployments and indexers get cross-checked.
	r.Handle("/api/deployments", http.HandlerFunc(c.HandleDeploymentsList)).Methods(http.MethodGet)
	r.Handle("/api/deployments", c.RequireAuth(http.HandlerFunc(c.HandleDeploymentUpsert))).Methods(http.MethodPost)
	r.Handle("/api/deployments/{id}", c.RequireAuth(http.HandlerFunc(c.HandleDeploymentPatch))).Methods(http.MethodPatch)
	r.Handle("/api/indexers", http.HandlerFunc(c.HandleIndexersList)).Methods(http.MethodGet)
	r.Handle("/api/indexers", c.RequireAuth(http.HandlerFunc(c.HandleIndexerUpsert))).Methods(http.MethodPost)
	r.Handle("/api/indexers/{id}", c.RequireAuth(http.HandlerFunc(c.HandleIndexerPatch))).Methods(http.MethodPatch)

	// Audit results.
	r.HandleFunc("/api/pois", c.HandlePoisList).Methods(http.MethodGet)
	r.HandleFunc("/api/investigations", c.HandleInvestigationsList).Methods(http.MethodGet)
	r.HandleFunc("/api/investigations/{id}", c.HandleInvestigationDetail).Methods(http.MethodGet)
	r.HandleFunc("/api/reports", c.HandleReportsList).Methods(http.MethodGet)

	// Event history and live stream.
	r.HandleFunc("/api/events", c.HandleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", c.HandleWebSocket).Methods(http.MethodGet)

	// Manual pass trigger.
	r.Handle("/api/crosscheck", c.RequireAuth(http.HandlerFunc(c.HandleTriggerCrossCheck))).Methods(http.MethodPost)

	return r, nil
}
