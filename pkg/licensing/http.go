package licensing

import (
	"encoding/json"
	"net/http"
)

// FeatureRequiredResponse is the JSON body returned when a gated feature is refused.
type FeatureRequiredResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	Feature      string `json:"feature"`
	RequiredTier Tier   `json:"required_tier,omitempty"`
	CurrentTier  Tier   `json:"current_tier,omitempty"`
	UpgradeURL   string `json:"upgrade_url,omitempty"`
}

// WriteForbidden writes a JSON 403 response payload.
func WriteForbidden(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteFeatureRequired writes the canonical 403 response for a refused feature.
func WriteFeatureRequired(w http.ResponseWriter, resp FeatureRequiredResponse) {
	if resp.Error == "" {
		resp.Error = "feature_not_licensed"
	}
	WriteForbidden(w, resp)
}
