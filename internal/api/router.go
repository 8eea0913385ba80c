// Package api exposes the licensing subsystem to the host application over
// HTTP: feature access checks, license and addon management, credit metering
// and denial statistics.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/pulse-licensing/internal/addons"
	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	"github.com/rcourtman/pulse-licensing/internal/auth"
	"github.com/rcourtman/pulse-licensing/internal/background"
	"github.com/rcourtman/pulse-licensing/internal/gate"
	"github.com/rcourtman/pulse-licensing/internal/license"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
	"github.com/rs/zerolog"
)

// LicenseService is the validator surface used by the license routes.
type LicenseService interface {
	Status(ctx context.Context) license.License
	Activate(ctx context.Context, key string) (license.Result, error)
	Deactivate(ctx context.Context) (license.Result, error)
	CurrentTier(ctx context.Context) licensing.Tier
	Stats() license.Stats
}

// AddonService is the addon manager surface used by the addon routes.
type AddonService interface {
	Catalog() []addons.Addon
	Addon(id string) (addons.Addon, bool)
	ActiveIDs(ctx context.Context) []string
	CreditBalance(ctx context.Context, id string) (int, error)
	ConsumeCredits(ctx context.Context, id, operation string, cost *int) (bool, error)
	ActivateAddon(ctx context.Context, id, key string) (addons.Result, error)
	DeactivateAddon(ctx context.Context, id string) (addons.Result, error)
	Pricing(id string, baseTier licensing.Tier) (addons.Pricing, bool)
}

// HealthChecker probes the licensing server.
type HealthChecker interface {
	Health(ctx context.Context) (apiclient.HealthStatus, error)
}

// AuthReporter reports stored credential state.
type AuthReporter interface {
	Status(ctx context.Context) auth.AuthStatus
}

// JobReporter reports background job outcomes.
type JobReporter interface {
	Status() map[string]background.RunStatus
}

// Deps are the collaborators behind the router. Gate and License are
// required; routes for nil optional collaborators answer 503.
type Deps struct {
	Gate       *gate.Gate
	License    LicenseService
	Addons     AddonService
	Remote     HealthChecker
	Auth       AuthReporter
	Jobs       JobReporter
	Gatherer   prometheus.Gatherer
	AdminToken string
	Version    string
	Logger     zerolog.Logger
}

// Router handles HTTP requests for the licensing service.
type Router struct {
	mux     *http.ServeMux
	deps    Deps
	started time.Time
}

// NewRouter creates a new router instance
func NewRouter(deps Deps) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		deps:    deps,
		started: time.Now(),
	}
	r.setupRoutes()
	return errorHandler(deps.Logger, r)
}

func (r *Router) setupRoutes() {
	admin := func(h http.HandlerFunc) http.HandlerFunc { return requireAdmin(r.deps.AdminToken, h) }

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	if r.deps.Gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Feature gating
	r.mux.HandleFunc("GET /api/features", r.handleFeatures)
	r.mux.HandleFunc("GET /api/features/{feature}/access", r.handleFeatureAccess)
	r.mux.HandleFunc("GET /api/features/{feature}/require", r.handleRequireFeature)
	r.mux.HandleFunc("GET /api/denials/stats", admin(r.handleDenialStats))
	r.mux.HandleFunc("GET /api/denials", admin(r.handleRecentDenials))

	// Base license
	r.mux.HandleFunc("GET /api/license/status", r.handleLicenseStatus)
	r.mux.HandleFunc("POST /api/license/activate", admin(r.handleActivateLicense))
	r.mux.HandleFunc("POST /api/license/deactivate", admin(r.handleDeactivateLicense))

	// Addons and credits
	r.mux.HandleFunc("GET /api/addons", r.handleListAddons)
	r.mux.HandleFunc("POST /api/addons/{addon}/activate", admin(r.handleActivateAddon))
	r.mux.HandleFunc("POST /api/addons/{addon}/deactivate", admin(r.handleDeactivateAddon))
	r.mux.HandleFunc("GET /api/addons/{addon}/credits", r.handleCreditBalance)
	r.mux.HandleFunc("POST /api/addons/{addon}/credits", r.handleConsumeCredits)
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, "/api/") {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
	}
	r.mux.ServeHTTP(w, req)
}

type healthResponse struct {
	Status  string                          `json:"status"`
	Version string                          `json:"version,omitempty"`
	Uptime  float64                         `json:"uptime_seconds"`
	Auth    *auth.AuthStatus                `json:"auth,omitempty"`
	Jobs    map[string]background.RunStatus `json:"jobs,omitempty"`
	Remote  *apiclient.HealthStatus         `json:"remote,omitempty"`
	Error   string                          `json:"remote_error,omitempty"`
	Cache   license.Stats                   `json:"validator"`
}

// handleHealth reports local liveness. The licensing server is only probed
// when ?remote=1 is given, so the probe never depends on it by default.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: r.deps.Version,
		Uptime:  time.Since(r.started).Seconds(),
		Cache:   r.deps.License.Stats(),
	}
	if r.deps.Auth != nil {
		st := r.deps.Auth.Status(req.Context())
		resp.Auth = &st
	}
	if r.deps.Jobs != nil {
		resp.Jobs = r.deps.Jobs.Status()
	}
	if req.URL.Query().Get("remote") == "1" && r.deps.Remote != nil {
		remote, err := r.deps.Remote.Health(req.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
		} else {
			resp.Remote = &remote
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
