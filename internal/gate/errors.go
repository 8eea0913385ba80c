package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rcourtman/pulse-licensing/internal/license"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
)

// AccessDeniedError is returned by RequireAccess when a feature is refused.
type AccessDeniedError struct {
	Feature      string
	FeatureName  string
	Reason       string
	State        license.State
	RequiredTier licensing.Tier
	CurrentTier  licensing.Tier
	UpgradeURL   string
}

func (e *AccessDeniedError) Error() string {
	switch {
	case e.Reason == ReasonCapabilityMissing:
		return fmt.Sprintf("You do not have permission to use this feature (%s).", e.FeatureName)
	case !e.confirmed():
		return fmt.Sprintf("This feature (%s) could not be verified with the licensing server. Please try again later.", e.FeatureName)
	default:
		return fmt.Sprintf("This feature (%s) requires a %s license or higher.", e.FeatureName, e.RequiredTier.DisplayName())
	}
}

// StatusCode is 403 for confirmed denials and 503 when the licensing server
// could not be consulted.
func (e *AccessDeniedError) StatusCode() int {
	if e.confirmed() {
		return http.StatusForbidden
	}
	return http.StatusServiceUnavailable
}

func (e *AccessDeniedError) confirmed() bool {
	return e.State != license.StateServerError && e.State != license.StateRateLimited
}

// IsAccessDenied reports whether err is an *AccessDeniedError.
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}

func (g *Gate) deniedError(d Decision) *AccessDeniedError {
	e := &AccessDeniedError{
		Feature:      d.Feature,
		FeatureName:  g.featureName(d.Feature),
		Reason:       d.Reason,
		State:        d.State,
		RequiredTier: d.RequiredTier,
		CurrentTier:  d.CurrentTier,
	}
	if prompt, ok := g.UpgradePrompt(d); ok {
		e.UpgradeURL = prompt.UpgradeURL
	}
	return e
}

// WriteAccessDenied renders err as the JSON refusal body.
func WriteAccessDenied(w http.ResponseWriter, err error) {
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal_error", "message": err.Error()})
		return
	}
	resp := licensing.FeatureRequiredResponse{
		Message:      denied.Error(),
		Feature:      denied.Feature,
		RequiredTier: denied.RequiredTier,
		CurrentTier:  denied.CurrentTier,
		UpgradeURL:   denied.UpgradeURL,
	}
	switch {
	case denied.Reason == ReasonCapabilityMissing:
		resp.Error = "forbidden"
	case denied.StatusCode() != http.StatusForbidden:
		resp.Error = "license_unavailable"
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(denied.StatusCode())
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	licensing.WriteFeatureRequired(w, resp)
}
