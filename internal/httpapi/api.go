// Package httpapi exposes the service over REST.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/obs"
	"flowgate.org/internal/workflow"
)

// API bundles the services behind the HTTP surface.
type API struct {
	sessions  *auth.Service
	tokens    *auth.TokenService
	authz     *auth.Authorizer
	authStore auth.Store
	workflows *workflow.Service
	log       *logrus.Logger
	ready     func(context.Context) error

	maxBody    int64
	ratePerSec int
	rateBurst  int
}

// Options configures New.
type Options struct {
	Sessions  *auth.Service
	Tokens    *auth.TokenService
	Authz     *auth.Authorizer
	AuthStore auth.Store
	Workflows *workflow.Service
	Logger    *logrus.Logger

	// Ready reports backing-store health for the readiness probe.
	Ready func(context.Context) error

	MaxBodyBytes int64
	RatePerSec   int
	RateBurst    int
}

// New builds the API.
func New(opts Options) *API {
	a := &API{
		sessions:   opts.Sessions,
		tokens:     opts.Tokens,
		authz:      opts.Authz,
		authStore:  opts.AuthStore,
		workflows:  opts.Workflows,
		log:        opts.Logger,
		ready:      opts.Ready,
		maxBody:    opts.MaxBodyBytes,
		ratePerSec: opts.RatePerSec,
		rateBurst:  opts.RateBurst,
	}
	if a.log == nil {
		a.log = logrus.StandardLogger()
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	return a
}

// Router assembles the route table and middleware chain.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/register", a.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", requireIdentity(a.handleLogout)).Methods(http.MethodPost)

	api.HandleFunc("/users", a.adminOnly(a.handleListUsers)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", requireIdentity(a.handleGetUser)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", a.adminOnly(a.handleUpdateUser)).Methods(http.MethodPut)
	api.HandleFunc("/users/{id}", a.adminOnly(a.handleDeleteUser)).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id}/roles", requireIdentity(a.handleUserRoles)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/roles/{roleID}", a.adminOnly(a.handleAssignRole)).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/roles/{roleID}", a.adminOnly(a.handleUnassignRole)).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id}/permissions", requireIdentity(a.handleUserPermissions)).Methods(http.MethodGet)

	api.HandleFunc("/roles", a.adminOnly(a.handleListRoles)).Methods(http.MethodGet)
	api.HandleFunc("/roles", a.adminOnly(a.handleCreateRole)).Methods(http.MethodPost)
	api.HandleFunc("/roles/{id}", a.adminOnly(a.handleUpdateRole)).Methods(http.MethodPut)
	api.HandleFunc("/roles/{id}", a.adminOnly(a.handleDeleteRole)).Methods(http.MethodDelete)
	api.HandleFunc("/roles/{id}/permissions", a.adminOnly(a.handleRolePermissions)).Methods(http.MethodGet)
	api.HandleFunc("/roles/{id}/permissions/{permID}", a.adminOnly(a.handleGrantPermission)).Methods(http.MethodPost)
	api.HandleFunc("/roles/{id}/permissions/{permID}", a.adminOnly(a.handleRevokePermission)).Methods(http.MethodDelete)

	api.HandleFunc("/permissions", a.adminOnly(a.handleListPermissions)).Methods(http.MethodGet)
	api.HandleFunc("/permissions", a.adminOnly(a.handleCreatePermission)).Methods(http.MethodPost)
	api.HandleFunc("/permissions/{id}", a.adminOnly(a.handleUpdatePermission)).Methods(http.MethodPut)
	api.HandleFunc("/permissions/{id}", a.adminOnly(a.handleDeletePermission)).Methods(http.MethodDelete)

	api.HandleFunc("/workflows", requireIdentity(a.handleListWorkflows)).Methods(http.MethodGet)
	api.HandleFunc("/workflows", requireIdentity(a.handleCreateWorkflow)).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", requireIdentity(a.handleGetWorkflow)).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", requireIdentity(a.handleUpdateWorkflow)).Methods(http.MethodPut)
	api.HandleFunc("/workflows/{id}", requireIdentity(a.handleDeleteWorkflow)).Methods(http.MethodDelete)
	api.HandleFunc("/workflows/{id}/toggle", requireIdentity(a.handleToggleWorkflow)).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/execute", requireIdentity(a.handleExecuteWorkflow)).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/executions", requireIdentity(a.handleListExecutions)).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/steps", requireIdentity(a.handleListSteps)).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/steps", requireIdentity(a.handleAddStep)).Methods(http.MethodPost)

	api.HandleFunc("/executions", requireIdentity(a.handleListAllExecutions)).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", requireIdentity(a.handleGetExecution)).Methods(http.MethodGet)

	api.HandleFunc("/steps/{id}", requireIdentity(a.handleUpdateStep)).Methods(http.MethodPut)
	api.HandleFunc("/steps/{id}", requireIdentity(a.handleDeleteStep)).Methods(http.MethodDelete)
	api.HandleFunc("/steps/{id}/permissions", requireIdentity(a.handleListStepPermissions)).Methods(http.MethodGet)
	api.HandleFunc("/steps/{id}/permissions", requireIdentity(a.handleSetStepPermission)).Methods(http.MethodPost)
	api.HandleFunc("/steps/{id}/permissions/{overlayID}", requireIdentity(a.handleRemoveStepPermission)).Methods(http.MethodDelete)

	api.HandleFunc("/sync", a.adminOnly(a.handleSync)).Methods(http.MethodPost)
	api.HandleFunc("/sync/status", a.adminOnly(a.handleSyncStatus)).Methods(http.MethodGet)

	var h http.Handler = r
	h = a.withIdentity(h)
	h = RateLimit(h, a.ratePerSec, a.rateBurst)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(a.log)(h)
	h = obs.Instrument(h, routePattern)
	return h
}

// routePattern labels metrics with the mux route template instead of
// the raw path, keeping label cardinality bounded.
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// adminOnly wraps a handler with the administrator policy check.
func (a *API) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := callerID(r)
		if uid == "" {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		d, err := a.authz.RequireAdmin(r.Context(), uid)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !d.Allowed {
			respondError(w, http.StatusForbidden, d.Reason)
			return
		}
		next(w, r)
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
