package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/pulse-licensing/internal/gate"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
)

const maxDenialsPage = 100

type featureEntry struct {
	licensing.Descriptor
	Available bool `json:"available"`
}

type tierEntry struct {
	Tier     licensing.Tier    `json:"tier"`
	Name     string            `json:"name"`
	Features []string          `json:"features"`
	Limits   licensing.Limits  `json:"limits"`
	Pricing  licensing.Pricing `json:"pricing"`
}

type featuresResponse struct {
	CurrentTier licensing.Tier    `json:"current_tier"`
	Features    []featureEntry    `json:"features"`
	Groups      []licensing.Group `json:"groups"`
	Tiers       []tierEntry       `json:"tiers"`
}

// handleFeatures returns the registry and tier matrix annotated with what the
// current tier unlocks. It reads the cached license status only.
func (r *Router) handleFeatures(w http.ResponseWriter, req *http.Request) {
	registry := r.deps.Gate.Registry()
	current := r.deps.License.CurrentTier(req.Context())

	resp := featuresResponse{CurrentTier: current, Groups: registry.Groups()}
	for _, d := range registry.All() {
		resp.Features = append(resp.Features, featureEntry{
			Descriptor: d,
			Available:  registry.HasFeatureAccess(current, d.ID),
		})
	}
	for _, tier := range licensing.Tiers() {
		resp.Tiers = append(resp.Tiers, tierEntry{
			Tier:     tier,
			Name:     tier.DisplayName(),
			Features: registry.TierFeatures(tier),
			Limits:   licensing.TierLimits[tier],
			Pricing:  licensing.TierPricing[tier],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type accessResponse struct {
	gate.Decision
	Upgrade *gate.UpgradePrompt `json:"upgrade,omitempty"`
}

func principalFor(req *http.Request) string {
	if p := strings.TrimSpace(req.URL.Query().Get("principal")); p != "" {
		return p
	}
	return gate.PrincipalFromContext(req.Context())
}

// handleFeatureAccess answers whether the principal may use a feature. The
// answer is always 200; callers inspect "granted".
func (r *Router) handleFeatureAccess(w http.ResponseWriter, req *http.Request) {
	feature := strings.TrimSpace(req.PathValue("feature"))
	if feature == "" {
		writeErrorResponse(w, http.StatusBadRequest, "missing_feature", "Feature is required", nil)
		return
	}

	d := r.deps.Gate.Decide(req.Context(), feature, principalFor(req))
	resp := accessResponse{Decision: d}
	if prompt, ok := r.deps.Gate.UpgradePrompt(d); ok {
		resp.Upgrade = &prompt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequireFeature enforces a feature: 204 when granted, otherwise the
// canonical refusal body (403 confirmed, 503 unverifiable).
func (r *Router) handleRequireFeature(w http.ResponseWriter, req *http.Request) {
	feature := strings.TrimSpace(req.PathValue("feature"))
	if err := r.deps.Gate.RequireAccess(req.Context(), feature, principalFor(req)); err != nil {
		gate.WriteAccessDenied(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleDenialStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.deps.Gate.AccessStats(req.Context())
	if err != nil {
		r.deps.Logger.Error().Err(err).Msg("Failed to load denial statistics")
		writeErrorResponse(w, http.StatusInternalServerError, "denial_log_unavailable", "Failed to load denial statistics", nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleRecentDenials(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxDenialsPage)
	}
	events, err := r.deps.Gate.RecentDenials(req.Context(), limit)
	if err != nil {
		r.deps.Logger.Error().Err(err).Msg("Failed to load denial log")
		writeErrorResponse(w, http.StatusInternalServerError, "denial_log_unavailable", "Failed to load denial log", nil)
		return
	}
	if events == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, events)
}
