package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/rcourtman/pulse-licensing/internal/addons"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/logging"
)

type addonEntry struct {
	addons.Addon
	Active  bool           `json:"active"`
	Credits *int           `json:"credits,omitempty"`
	Pricing addons.Pricing `json:"pricing"`
}

type consumeRequest struct {
	Operation string `json:"operation"`
	Cost      *int   `json:"cost,omitempty"`
}

type consumeResponse struct {
	Success bool   `json:"success"`
	AddonID string `json:"addon_id"`
	Balance int    `json:"balance"`
}

// addonFromPath resolves {addon} or writes 404. It also answers 503 when the
// service runs without an addon manager.
func (r *Router) addonFromPath(w http.ResponseWriter, req *http.Request) (addons.Addon, bool) {
	if r.deps.Addons == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "addons_unavailable", "Addon management is not enabled", nil)
		return addons.Addon{}, false
	}
	id := strings.TrimSpace(req.PathValue("addon"))
	addon, ok := r.deps.Addons.Addon(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "unknown_addon", "Unknown addon: "+id, nil)
		return addons.Addon{}, false
	}
	return addon, true
}

func (r *Router) handleListAddons(w http.ResponseWriter, req *http.Request) {
	if r.deps.Addons == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "addons_unavailable", "Addon management is not enabled", nil)
		return
	}
	ctx := req.Context()
	tier := r.deps.License.CurrentTier(ctx)
	active := r.deps.Addons.ActiveIDs(ctx)

	out := make([]addonEntry, 0)
	for _, addon := range r.deps.Addons.Catalog() {
		entry := addonEntry{Addon: addon, Active: slices.Contains(active, addon.ID)}
		if addon.CreditBased() {
			if balance, err := r.deps.Addons.CreditBalance(ctx, addon.ID); err == nil {
				entry.Credits = &balance
			}
		}
		entry.Pricing, _ = r.deps.Addons.Pricing(addon.ID, tier)
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleActivateAddon(w http.ResponseWriter, req *http.Request) {
	addon, ok := r.addonFromPath(w, req)
	if !ok {
		return
	}
	var body activateRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	result, err := r.deps.Addons.ActivateAddon(req.Context(), addon.ID, body.LicenseKey)
	if err != nil {
		writeLicensingError(w, err, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleDeactivateAddon(w http.ResponseWriter, req *http.Request) {
	addon, ok := r.addonFromPath(w, req)
	if !ok {
		return
	}
	result, err := r.deps.Addons.DeactivateAddon(req.Context(), addon.ID)
	if err != nil {
		writeLicensingError(w, err, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleCreditBalance(w http.ResponseWriter, req *http.Request) {
	addon, ok := r.addonFromPath(w, req)
	if !ok {
		return
	}
	balance, err := r.deps.Addons.CreditBalance(req.Context(), addon.ID)
	if err != nil {
		writeLicensingError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"addon_id":     addon.ID,
		"credit_based": addon.CreditBased(),
		"balance":      balance,
		"costs":        addon.CreditCosts,
	})
}

// handleConsumeCredits debits credits for one operation. An insufficient
// balance is answered with 402 and leaves the balance untouched.
func (r *Router) handleConsumeCredits(w http.ResponseWriter, req *http.Request) {
	addon, ok := r.addonFromPath(w, req)
	if !ok {
		return
	}
	var body consumeRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	ctx := req.Context()

	consumed, err := r.deps.Addons.ConsumeCredits(ctx, addon.ID, strings.TrimSpace(body.Operation), body.Cost)
	balance, _ := r.deps.Addons.CreditBalance(ctx, addon.ID)
	if err != nil || !consumed {
		logger := logging.FromContext(ctx, r.deps.Logger)
		logger.Debug().Err(err).
			Str("addon", addon.ID).
			Str("operation", body.Operation).
			Msg("Credit consumption refused")
		if err == nil || apperrors.KindOf(err) == apperrors.KindInsufficientCredits {
			writeErrorResponse(w, http.StatusPaymentRequired, "insufficient_credits", "Insufficient credits for this operation",
				map[string]string{"balance": strconv.Itoa(balance)})
			return
		}
		writeLicensingError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, consumeResponse{Success: true, AddonID: addon.ID, Balance: balance})
}
