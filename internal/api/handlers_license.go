package api

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/logging"
)

const maxRequestBody = 16 << 10

type activateRequest struct {
	LicenseKey string `json:"license_key"`
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst interface{}) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBody)
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", nil)
		return false
	}
	return true
}

// writeLicensingError maps licensing failures onto HTTP statuses. An empty
// message falls back to the error's user message.
func writeLicensingError(w http.ResponseWriter, err error, msg string) {
	if msg == "" {
		msg = apperrors.UserMessage(err)
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidInput:
		writeErrorResponse(w, http.StatusBadRequest, "invalid_input", msg, nil)
	case apperrors.KindInsufficientCredits:
		writeErrorResponse(w, http.StatusPaymentRequired, "insufficient_credits", msg, nil)
	case apperrors.KindAddonUnavailable:
		writeErrorResponse(w, http.StatusForbidden, "addon_unavailable", msg, nil)
	case apperrors.KindClient:
		writeErrorResponse(w, http.StatusUnprocessableEntity, "request_rejected", msg, nil)
	case apperrors.KindRateLimited:
		w.Header().Set("Retry-After", "60")
		writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited", msg, nil)
	case apperrors.KindTransport, apperrors.KindServer, apperrors.KindMalformedResponse:
		writeErrorResponse(w, http.StatusBadGateway, "licensing_unavailable", msg, nil)
	case apperrors.KindNoToken:
		writeErrorResponse(w, http.StatusServiceUnavailable, "not_authenticated", msg, nil)
	default:
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil)
	}
}

func (r *Router) handleLicenseStatus(w http.ResponseWriter, req *http.Request) {
	lic := r.deps.License.Status(req.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"license":        lic,
		"effective_tier": lic.EffectiveTier(),
		"is_active":      lic.IsActive(),
	})
}

func (r *Router) handleActivateLicense(w http.ResponseWriter, req *http.Request) {
	var body activateRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	key := strings.TrimSpace(body.LicenseKey)

	result, err := r.deps.License.Activate(req.Context(), key)
	if err != nil {
		logger := logging.FromContext(req.Context(), r.deps.Logger)
		logger.Debug().
			Str("license_key", logging.RedactKey(key)).
			Str("kind", string(apperrors.KindOf(err))).
			Msg("Activation request refused")
		writeLicensingError(w, err, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDeactivateLicense always clears local state; remote_confirmed tells
// the caller whether the server released the seat.
func (r *Router) handleDeactivateLicense(w http.ResponseWriter, req *http.Request) {
	result, err := r.deps.License.Deactivate(req.Context())
	if err != nil {
		writeLicensingError(w, err, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
