package license

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	"github.com/rcourtman/pulse-licensing/internal/cache"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/license/ratelimit"
	"github.com/rcourtman/pulse-licensing/internal/logging"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultValidatePath        = "/validate"
	ActivatePath               = "/activate"
	DeactivatePath             = "/deactivate"
	StatusPath                 = "/status"
	DefaultFeatureCheckTimeout = 5 * time.Second
	DefaultActivationTimeout   = 15 * time.Second

	licenseKeySecret   = "license.key"
	activationLimitKey = "license|activate"
)

// Doer performs JSON calls against the licensing server.
type Doer interface {
	DoJSON(ctx context.Context, req apiclient.Request, out interface{}) error
}

// Store persists the license key and snapshot.
type Store interface {
	ValueStore
	PutSecret(ctx context.Context, name, value string) error
	Secret(ctx context.Context, name string) (string, bool, error)
	DeleteSecrets(ctx context.Context, names ...string) error
}

// ChangeFunc is called after the stored license changes.
type ChangeFunc func(prev, next License)

// Config configures a Validator.
type Config struct {
	Domain        string
	PluginVersion string
	HostVersion   string

	ValidatePath        string
	FeatureCheckTimeout time.Duration
	ActivationTimeout   time.Duration
	CacheTTL            time.Duration
	RateLimit           int
	RateWindow          time.Duration
	// RequireAuth attaches the bearer token to feature checks.
	RequireAuth bool

	Logger  zerolog.Logger
	Metrics *metrics.LicensingMetrics
	Now     func() time.Time
}

// Stats reports validator counters.
type Stats struct {
	Cache       cache.Stats `json:"cache"`
	RateLimited int64       `json:"rate_limited"`
	RemoteCalls int64       `json:"remote_calls"`
}

// Validator decides feature access with the licensing server as the single
// source of truth. Local state is a short-lived cache only.
type Validator struct {
	client   Doer
	store    Store
	registry *licensing.Registry
	cache    *Cache
	limiter  *ratelimit.FixedWindow
	group    singleflight.Group

	domain        string
	pluginVersion string
	hostVersion   string
	validatePath  string
	checkTimeout  time.Duration
	activateTTL   time.Duration
	requireAuth   bool

	logger  zerolog.Logger
	metrics *metrics.LicensingMetrics
	now     func() time.Time

	remoteCalls atomic.Int64

	observersMu sync.RWMutex
	observers   []ChangeFunc
}

// NewValidator creates a validator.
func NewValidator(client Doer, store Store, registry *licensing.Registry, cfg Config) *Validator {
	if cfg.ValidatePath == "" {
		cfg.ValidatePath = DefaultValidatePath
	}
	if cfg.FeatureCheckTimeout <= 0 {
		cfg.FeatureCheckTimeout = DefaultFeatureCheckTimeout
	}
	if cfg.ActivationTimeout <= 0 {
		cfg.ActivationTimeout = DefaultActivationTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if registry == nil {
		registry = licensing.NewDefaultBuilder().Build()
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)
	limiter.SetClock(cfg.Now)

	return &Validator{
		client:        client,
		store:         store,
		registry:      registry,
		cache:         NewCache(store, cfg.CacheTTL, cfg.Now),
		limiter:       limiter,
		domain:        NormalizeDomain(cfg.Domain),
		pluginVersion: cfg.PluginVersion,
		hostVersion:   cfg.HostVersion,
		validatePath:  cfg.ValidatePath,
		checkTimeout:  cfg.FeatureCheckTimeout,
		activateTTL:   cfg.ActivationTimeout,
		requireAuth:   cfg.RequireAuth,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
	}
}

// Registry returns the feature registry decisions are made against.
func (v *Validator) Registry() *licensing.Registry {
	return v.registry
}

// OnChange registers fn to be called after activation, deactivation or a sync
// that changed the license.
func (v *Validator) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	v.observersMu.Lock()
	v.observers = append(v.observers, fn)
	v.observersMu.Unlock()
}

type validateRequest struct {
	LicenseKey    string `json:"license_key"`
	Domain        string `json:"domain"`
	Feature       string `json:"feature"`
	Context       string `json:"context"`
	PluginVersion string `json:"plugin_version"`
	WPVersion     string `json:"wp_version"`
	PHPVersion    string `json:"php_version"`
	Timestamp     int64  `json:"timestamp"`
	Nonce         string `json:"nonce"`
}

type validateResponse struct {
	AccessGranted *bool    `json:"access_granted"`
	LicenseStatus string   `json:"license_status"`
	Tier          string   `json:"tier"`
	Sites         []string `json:"sites"`
	ErrorCode     string   `json:"error_code"`
	ErrorMessage  string   `json:"error_message"`
}

// ValidateFeatureAccess decides whether feature may be used in scope. It never
// returns an error: failures are reported as SERVER_ERROR or RATE_LIMITED
// decisions that deny paid features and allow free ones.
func (v *Validator) ValidateFeatureAccess(ctx context.Context, feature, scope string) Decision {
	d := v.validate(ctx, feature, scope, false)
	if v.metrics != nil {
		v.metrics.RecordDecision(string(d.State))
	}
	return d
}

func (v *Validator) validate(ctx context.Context, feature, scope string, bypassCache bool) Decision {
	now := v.now()
	base := Decision{Feature: feature, Context: scope, Tier: licensing.TierFree, At: now}

	if v.registry.IsFree(feature) {
		base.State, base.Granted, base.Reason = StateGranted, true, ReasonFreeFeature
		return base
	}

	key, ok, err := v.store.Secret(ctx, licenseKeySecret)
	if err != nil {
		v.logger.Warn().Err(err).Str("feature", feature).Msg("Failed to read license key")
		base.State, base.Reason = StateServerError, ReasonServerError
		return base
	}
	if !ok || key == "" {
		base.State, base.Reason = StateNoLicense, ReasonNoLicense
		return base
	}

	cacheKey := Key(feature, scope)
	if !bypassCache {
		cached, hit := v.cache.Decision(cacheKey)
		if v.metrics != nil {
			v.metrics.RecordCacheLookup(hit)
		}
		if hit {
			return cached
		}
	}

	if !v.limiter.Allow(feature + "|" + scope) {
		v.logger.Debug().Str("feature", feature).Str("context", scope).Msg("Feature validation rate limited")
		base.State, base.Reason = StateRateLimited, ReasonRateLimited
		return base
	}

	// The shared call is detached so one caller giving up does not fail the
	// others waiting on it.
	ch := v.group.DoChan(cacheKey, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.checkTimeout)
		defer cancel()
		d := v.remoteValidate(callCtx, key, feature, scope)
		v.cache.PutDecision(cacheKey, d)
		return d, nil
	})
	select {
	case res := <-ch:
		return res.Val.(Decision)
	case <-ctx.Done():
		base.State, base.Reason = StateServerError, ReasonServerError
		return base
	}
}

func (v *Validator) remoteValidate(ctx context.Context, key, feature, scope string) Decision {
	now := v.now()
	d := Decision{Feature: feature, Context: scope, Tier: licensing.TierFree, At: now}
	log := logging.FromContext(ctx, v.logger).With().
		Str("feature", feature).
		Str("domain", v.domain).
		Str("license_key", logging.RedactKey(key)).
		Logger()

	body := validateRequest{
		LicenseKey:    key,
		Domain:        v.domain,
		Feature:       feature,
		Context:       scope,
		PluginVersion: v.pluginVersion,
		WPVersion:     v.hostVersion,
		PHPVersion:    runtime.Version(),
		Timestamp:     now.Unix(),
		Nonce:         ulid.Make().String(),
	}

	v.remoteCalls.Add(1)
	var resp validateResponse
	err := v.client.DoJSON(ctx, apiclient.Request{
		Method:      http.MethodPost,
		Path:        v.validatePath,
		Body:        body,
		RequireAuth: v.requireAuth,
	}, &resp)

	switch {
	case err != nil && apperrors.KindOf(err) == apperrors.KindClient:
		d.State, d.Reason = StateDenied, ReasonDenied
		d.Message = apperrors.UserMessage(err)
		log.Info().Err(err).Msg("Feature access denied by licensing server")
		return d
	case err != nil:
		d.State, d.Reason = StateServerError, ReasonServerError
		log.Warn().Err(err).Msg("Feature validation failed, denying paid feature")
		return d
	case resp.AccessGranted == nil:
		d.State, d.Reason = StateServerError, ReasonServerError
		log.Warn().Msg("Validation response missing access_granted")
		return d
	}

	if tier, ok := licensing.ParseTier(resp.Tier); ok {
		d.Tier = tier
	} else if snap, ok, _ := v.cache.rawSnapshot(ctx); ok {
		d.Tier = snap.EffectiveTier()
	}

	if !*resp.AccessGranted {
		d.State, d.Reason = StateDenied, ReasonDenied
		if resp.ErrorCode != "" {
			d.Reason = resp.ErrorCode
		}
		d.Message = resp.ErrorMessage
		if d.Message == "" && resp.LicenseStatus != "" && resp.LicenseStatus != string(StatusActive) {
			d.Message = MessageForCode(resp.LicenseStatus)
		}
		log.Debug().Str("reason", d.Reason).Msg("Feature access denied")
		return d
	}

	allowed := resp.Sites
	if len(allowed) == 0 {
		if snap, ok, _ := v.cache.rawSnapshot(ctx); ok {
			allowed = snap.AllowedSites
		}
	}
	if !DomainAllowed(v.domain, allowed) {
		d.State, d.Reason = StateDenied, ReasonDomainMismatch
		d.Message = fmt.Sprintf("License is not valid for domain %s.", v.domain)
		log.Warn().Strs("allowed_sites", allowed).Msg("License not bound to this domain")
		return d
	}

	d.State, d.Granted, d.Reason = StateGranted, true, ReasonGranted
	return d
}

type activationRequest struct {
	LicenseKey string                 `json:"license_key"`
	Domain     string                 `json:"domain"`
	SiteData   map[string]interface{} `json:"site_data,omitempty"`
}

type activationResponse struct {
	Success    *bool      `json:"success"`
	Tier       string     `json:"tier"`
	ExpiresAt  *time.Time `json:"expires_at"`
	SitesUsed  *int       `json:"sites_used"`
	SitesLimit *int       `json:"sites_limit"`
	Sites      []string   `json:"sites"`
	License    string     `json:"license"`
	Message    string     `json:"message"`
}

// Activate checks key locally, activates it remotely and stores it. Failures
// are returned as errors carrying a human-readable message.
func (v *Validator) Activate(ctx context.Context, key string) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{Message: "License key is required."}, apperrors.InvalidInput("activate", "License key is required.")
	}
	if !ValidKeyFormat(key) {
		return Result{Message: "Invalid license key format."}, apperrors.InvalidInput("activate", "Invalid license key format.")
	}
	if !v.limiter.Allow(activationLimitKey) {
		msg := "Too many validation attempts. Please try again later."
		return Result{Message: msg}, apperrors.New(apperrors.KindRateLimited, "activate", msg, nil)
	}

	log := v.logger.With().Str("license_key", logging.RedactKey(key)).Str("domain", v.domain).Logger()

	callCtx, cancel := context.WithTimeout(ctx, v.activateTTL)
	defer cancel()

	var resp activationResponse
	err := v.client.DoJSON(callCtx, apiclient.Request{
		Method: http.MethodPost,
		Path:   ActivatePath,
		Body: activationRequest{
			LicenseKey: key,
			Domain:     v.domain,
			SiteData: map[string]interface{}{
				"plugin_version": v.pluginVersion,
				"host_version":   v.hostVersion,
				"platform":       runtime.GOOS,
			},
		},
	}, &resp)
	if err != nil {
		var apiErr *apperrors.APIError
		msg := apperrors.UserMessage(err)
		if errors.As(err, &apiErr) && apiErr.Code != "" {
			if known, ok := serverMessages[apiErr.Code]; ok {
				msg = known
			}
		}
		log.Warn().Err(err).Msg("License activation failed")
		return Result{Message: "Activation failed: " + msg}, err
	}
	if resp.Success == nil || !*resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = MessageForCode(resp.License)
		}
		log.Info().Str("status", resp.License).Msg("License activation rejected")
		return Result{Message: msg}, apperrors.FromStatus("POST "+ActivatePath, http.StatusUnprocessableEntity, resp.License, msg)
	}

	lic := License{
		Status:       StatusActive,
		Tier:         licensing.TierPro,
		ExpiresAt:    resp.ExpiresAt,
		SitesUsed:    1,
		SitesLimit:   1,
		AllowedSites: resp.Sites,
		Message:      resp.Message,
	}
	if tier, ok := licensing.ParseTier(resp.Tier); ok {
		lic.Tier = tier
	}
	if resp.SitesUsed != nil {
		lic.SitesUsed = *resp.SitesUsed
	}
	if resp.SitesLimit != nil {
		lic.SitesLimit = *resp.SitesLimit
	}

	prev, _, _ := v.cache.rawSnapshot(ctx)
	if err := v.store.PutSecret(ctx, licenseKeySecret, key); err != nil {
		return Result{Message: "Activation succeeded but the license key could not be saved."}, fmt.Errorf("store license key: %w", err)
	}
	if err := v.cache.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clear license cache after activation")
	}
	lic, err = v.cache.PutSnapshot(ctx, lic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to store license snapshot")
	}

	log.Info().Str("tier", string(lic.Tier)).Msg("License activated")
	v.notify(prev, lic)
	return Result{Success: true, Message: "License activated successfully.", License: lic, RemoteConfirmed: true}, nil
}

// Deactivate removes the local license whatever the server says. The remote
// call is best effort and its outcome is reported in Result.RemoteConfirmed.
func (v *Validator) Deactivate(ctx context.Context) (Result, error) {
	key, ok, err := v.store.Secret(ctx, licenseKeySecret)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Failed to read license key before deactivation")
	}
	if !ok || key == "" {
		if err := v.clearLocal(context.WithoutCancel(ctx)); err != nil {
			return Result{Message: "Failed to clear local license state."}, err
		}
		return Result{Success: true, Message: "No license to deactivate.", License: freeLicense(StatusInactive, "", v.now())}, nil
	}

	log := v.logger.With().Str("license_key", logging.RedactKey(key)).Str("domain", v.domain).Logger()

	callCtx, cancel := context.WithTimeout(ctx, v.activateTTL)
	remoteErr := v.client.DoJSON(callCtx, apiclient.Request{
		Method: http.MethodPost,
		Path:   DeactivatePath,
		Body:   activationRequest{LicenseKey: key, Domain: v.domain},
	}, nil)
	cancel()

	// Local removal outlives the caller's deadline, which the remote call may
	// have used up.
	localCtx := context.WithoutCancel(ctx)
	prev, _, _ := v.cache.rawSnapshot(localCtx)
	if err := v.clearLocal(localCtx); err != nil {
		return Result{Message: "Failed to clear local license state."}, err
	}

	next := freeLicense(StatusInactive, "", v.now())
	v.notify(prev, next)

	if remoteErr != nil {
		log.Warn().Err(remoteErr).Msg("Remote deactivation failed, license removed locally")
		return Result{
			Success: true,
			Message: "License removed from this site. The licensing server could not be notified: " + apperrors.UserMessage(remoteErr),
			License: next,
		}, nil
	}

	log.Info().Msg("License deactivated")
	return Result{Success: true, Message: "License deactivated successfully.", License: next, RemoteConfirmed: true}, nil
}

func (v *Validator) clearLocal(ctx context.Context) error {
	if err := v.store.DeleteSecrets(ctx, licenseKeySecret); err != nil {
		return fmt.Errorf("delete license key: %w", err)
	}
	return v.cache.Invalidate(ctx)
}

type statusResponse struct {
	Status        string     `json:"status"`
	LicenseStatus string     `json:"license_status"`
	License       string     `json:"license"`
	Tier          string     `json:"tier"`
	ExpiresAt     *time.Time `json:"expires_at"`
	SitesUsed     int        `json:"sites_used"`
	SitesLimit    int        `json:"sites_limit"`
	Sites         []string   `json:"sites"`
	Message       string     `json:"message"`
}

// Status returns a snapshot of the license for display. It never fails: when
// the server cannot be reached the status is unknown and the tier free.
func (v *Validator) Status(ctx context.Context) License {
	key, ok, err := v.store.Secret(ctx, licenseKeySecret)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Failed to read license key")
		return freeLicense(StatusUnknown, "License state could not be read.", v.now())
	}
	if !ok || key == "" {
		return freeLicense(StatusInactive, "", v.now())
	}

	if snap, fresh, err := v.cache.Snapshot(ctx); err == nil && fresh {
		return snap
	}

	lic, err := v.fetchStatus(ctx, key)
	if err != nil {
		v.logger.Warn().Err(err).Str("license_key", logging.RedactKey(key)).Msg("License status unavailable")
		return freeLicense(StatusUnknown, apperrors.UserMessage(err), v.now())
	}
	stored, err := v.cache.PutSnapshot(ctx, lic)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Failed to store license snapshot")
	}
	return stored
}

// CurrentTier returns the effective tier, free unless the license is active.
func (v *Validator) CurrentTier(ctx context.Context) licensing.Tier {
	return v.Status(ctx).EffectiveTier()
}

// HasLicense reports whether a license key is stored.
func (v *Validator) HasLicense(ctx context.Context) bool {
	key, ok, err := v.store.Secret(ctx, licenseKeySecret)
	return err == nil && ok && key != ""
}

// Sync re-reads the license from the server and replaces the snapshot. Cached
// grants are dropped when a decision-relevant field changed.
func (v *Validator) Sync(ctx context.Context) (bool, error) {
	key, ok, err := v.store.Secret(ctx, licenseKeySecret)
	if err != nil {
		return false, fmt.Errorf("read license key: %w", err)
	}
	if !ok || key == "" {
		return false, nil
	}

	next, err := v.fetchStatus(ctx, key)
	if err != nil {
		return false, err
	}
	prev, hadPrev, _ := v.cache.rawSnapshot(ctx)
	next, err = v.cache.PutSnapshot(ctx, next)
	if err != nil {
		return false, err
	}

	changed := !hadPrev || next.changedFrom(prev)
	if changed {
		v.cache.ClearDecisions()
		v.logger.Info().
			Str("status", string(next.Status)).
			Str("tier", string(next.Tier)).
			Msg("License updated by background sync")
		v.notify(prev, next)
	}
	return changed, nil
}

// WarmCache refreshes a stale snapshot and re-validates cached grants that
// expire within the given window. It returns the number of grants refreshed.
func (v *Validator) WarmCache(ctx context.Context, within time.Duration) int {
	if !v.HasLicense(ctx) {
		return 0
	}
	if _, fresh, err := v.cache.Snapshot(ctx); err == nil && !fresh {
		v.Status(ctx)
	}

	refreshed := 0
	for _, d := range v.cache.ExpiringDecisions(within) {
		if ctx.Err() != nil {
			break
		}
		if next := v.validate(ctx, d.Feature, d.Context, true); next.Granted {
			refreshed++
		}
	}
	return refreshed
}

// ClearCache drops cached grants without touching the snapshot.
func (v *Validator) ClearCache() {
	v.cache.ClearDecisions()
}

// Stats returns cache and rate limiting counters.
func (v *Validator) Stats() Stats {
	return Stats{
		Cache:       v.cache.Stats(),
		RateLimited: v.limiter.Denied(),
		RemoteCalls: v.remoteCalls.Load(),
	}
}

func (v *Validator) fetchStatus(ctx context.Context, key string) (License, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.checkTimeout)
	defer cancel()

	var resp statusResponse
	err := v.client.DoJSON(callCtx, apiclient.Request{
		Method: http.MethodGet,
		Path:   StatusPath,
		Body:   map[string]string{"license_key": key, "domain": v.domain},
	}, &resp)
	if err != nil {
		return License{}, err
	}

	raw := resp.LicenseStatus
	if raw == "" {
		raw = resp.Status
	}
	if raw == "" {
		raw = resp.License
	}
	lic := License{
		Status:       normalizeStatus(raw),
		Tier:         licensing.TierFree,
		ExpiresAt:    resp.ExpiresAt,
		SitesUsed:    resp.SitesUsed,
		SitesLimit:   resp.SitesLimit,
		AllowedSites: resp.Sites,
		Message:      resp.Message,
	}
	if tier, ok := licensing.ParseTier(resp.Tier); ok {
		lic.Tier = tier
	}
	if lic.Status != StatusActive && lic.Message == "" {
		lic.Message = MessageForCode(raw)
	}
	if lic.Status == StatusActive && lic.ExpiresAt != nil && !v.now().Before(*lic.ExpiresAt) {
		lic.Status = StatusExpired
		lic.Message = MessageForCode("expired")
	}
	if lic.Status == StatusActive && !DomainAllowed(v.domain, lic.AllowedSites) {
		lic.Status = StatusDenied
		lic.Message = fmt.Sprintf("License is not valid for domain %s.", v.domain)
	}
	return lic, nil
}

func (v *Validator) notify(prev, next License) {
	v.observersMu.RLock()
	observers := append([]ChangeFunc(nil), v.observers...)
	v.observersMu.RUnlock()
	for _, fn := range observers {
		fn(prev, next)
	}
}
