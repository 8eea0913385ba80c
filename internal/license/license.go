package license

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rcourtman/pulse-licensing/pkg/licensing"
)

// Status is the lifecycle status of the base license.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusError    Status = "error"
	StatusDenied   Status = "denied"
	// StatusUnknown is reported when the server could not be asked.
	StatusUnknown Status = "unknown"
)

// snapshotVersion invalidates persisted snapshots written by older layouts.
const snapshotVersion = 2

// License is a snapshot of the base license as last reported by the server.
type License struct {
	Status       Status         `json:"status"`
	Tier         licensing.Tier `json:"tier"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	SitesUsed    int            `json:"sites_used"`
	SitesLimit   int            `json:"sites_limit"`
	AllowedSites []string       `json:"allowed_sites,omitempty"`
	Message      string         `json:"message,omitempty"`
	CachedAt     time.Time      `json:"cached_at"`
	Version      int            `json:"cache_version"`
}

// EffectiveTier is the tier used for access decisions. Anything other than an
// active license counts as free.
func (l License) EffectiveTier() licensing.Tier {
	if l.Status != StatusActive {
		return licensing.TierFree
	}
	if tier, ok := licensing.ParseTier(string(l.Tier)); ok {
		return tier
	}
	return licensing.TierFree
}

// IsActive reports whether the license is active.
func (l License) IsActive() bool {
	return l.Status == StatusActive
}

// changedFrom reports whether fields that affect decisions differ.
func (l License) changedFrom(prev License) bool {
	if l.Status != prev.Status || l.Tier != prev.Tier || l.SitesLimit != prev.SitesLimit {
		return true
	}
	switch {
	case l.ExpiresAt == nil && prev.ExpiresAt == nil:
		return false
	case l.ExpiresAt == nil || prev.ExpiresAt == nil:
		return true
	default:
		return !l.ExpiresAt.Equal(*prev.ExpiresAt)
	}
}

func freeLicense(status Status, message string, now time.Time) License {
	return License{
		Status:   status,
		Tier:     licensing.TierFree,
		Message:  message,
		CachedAt: now,
		Version:  snapshotVersion,
	}
}

// State is the outcome of one feature validation.
type State string

const (
	StateNoLicense         State = "NO_LICENSE"
	StatePendingValidation State = "PENDING_VALIDATION"
	StateGranted           State = "GRANTED"
	StateDenied            State = "DENIED"
	StateServerError       State = "SERVER_ERROR"
	StateRateLimited       State = "RATE_LIMITED"
)

// Reason codes attached to decisions.
const (
	ReasonGranted        = "granted"
	ReasonFreeFeature    = "free_feature"
	ReasonNoLicense      = "no_license"
	ReasonDenied         = "denied"
	ReasonDomainMismatch = "domain_mismatch"
	ReasonServerError    = "server_error"
	ReasonRateLimited    = "rate_limited"
	ReasonTierTooLow     = "tier_insufficient"
	ReasonUnknown        = "unknown_feature"
)

// Decision is the result of validating access to one feature.
type Decision struct {
	Feature string         `json:"feature"`
	Context string         `json:"context,omitempty"`
	State   State          `json:"state"`
	Granted bool           `json:"granted"`
	Reason  string         `json:"reason"`
	Tier    licensing.Tier `json:"tier"`
	Message string         `json:"message,omitempty"`
	At      time.Time      `json:"timestamp"`
}

// Confirmed reports whether the decision is an authoritative answer rather than
// a degraded one caused by an outage or local throttling.
func (d Decision) Confirmed() bool {
	return d.State != StateServerError && d.State != StateRateLimited
}

// Result is returned by activation and deactivation.
type Result struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	License License `json:"license"`
	// RemoteConfirmed is false when the server could not be notified.
	RemoteConfirmed bool `json:"remote_confirmed"`
}

var licenseKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{32,128}$`)

// ValidKeyFormat reports whether key could be a license key. It never touches
// the network.
func ValidKeyFormat(key string) bool {
	return licenseKeyPattern.MatchString(key)
}

var serverMessages = map[string]string{
	"expired":             "Your license has expired. Please renew your license to continue receiving updates and support.",
	"revoked":             "Your license has been revoked. Please contact support for assistance.",
	"missing":             "License key not found. Please check your license key and try again.",
	"invalid":             "Invalid license key. Please check your license key and try again.",
	"site_inactive":       "Your license is not active for this site. Please activate your license first.",
	"item_name_mismatch":  "License key is not valid for this product.",
	"no_activations_left": "You have reached the maximum number of activations for this license. Please upgrade your license or deactivate an existing site.",
}

// MessageForCode returns the human-readable message for a server status code.
func MessageForCode(code string) string {
	if msg, ok := serverMessages[code]; ok {
		return msg
	}
	if code == "" {
		code = "unknown"
	}
	return fmt.Sprintf("License validation failed: %s", code)
}

// normalizeStatus maps the server's status vocabulary onto Status.
func normalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "valid":
		return StatusActive
	case "inactive", "site_inactive", "deactivated":
		return StatusInactive
	case "expired":
		return StatusExpired
	case "revoked", "disabled", "denied", "invalid", "missing", "item_name_mismatch", "no_activations_left":
		return StatusDenied
	case "":
		return StatusUnknown
	default:
		return StatusError
	}
}
