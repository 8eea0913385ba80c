package addons

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	"github.com/rcourtman/pulse-licensing/internal/cache"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/license"
	"github.com/rcourtman/pulse-licensing/internal/logging"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultActiveTTL      = time.Hour
	DefaultDegradedTTL    = time.Minute
	DefaultTimeout        = 15 * time.Second
	DefaultCreditBalance  = 1000
	DefaultPurchaseURL    = "https://pulserelay.pro/addons/"
	CreditsUsePath        = "/credits/use"
	maxParallelValidation = 4

	activeCacheKey = "active"
)

// Doer performs JSON calls against the licensing server.
type Doer interface {
	DoJSON(ctx context.Context, req apiclient.Request, out interface{}) error
}

// Store persists addon keys and credit balances.
type Store interface {
	PutSecret(ctx context.Context, name, value string) error
	Secret(ctx context.Context, name string) (string, bool, error)
	DeleteSecrets(ctx context.Context, names ...string) error
	CreditBalance(ctx context.Context, addonID string) (int, bool, error)
	SetCreditBalance(ctx context.Context, addonID string, balance int) error
	SwapCreditBalance(ctx context.Context, addonID string, prev, next int) (bool, error)
	DeleteCreditBalance(ctx context.Context, addonID string) error
}

// TierSource reports the base license tier.
type TierSource interface {
	CurrentTier(ctx context.Context) licensing.Tier
}

// Config configures a Manager.
type Config struct {
	Domain         string
	Catalog        []Addon
	DefaultBalance int
	ActiveTTL      time.Duration
	Timeout        time.Duration
	PurchaseURL    string
	Observers      []CreditsObserver

	Logger  zerolog.Logger
	Metrics *metrics.LicensingMetrics
	Now     func() time.Time
}

// Result reports the outcome of an addon activation or deactivation.
type Result struct {
	Success         bool   `json:"success"`
	AddonID         string `json:"addon_id"`
	Message         string `json:"message"`
	RemoteConfirmed bool   `json:"remote_confirmed"`
}

// Manager activates addons and meters credit consumption.
type Manager struct {
	client  Doer
	store   Store
	tiers   TierSource
	catalog catalog

	domain         string
	defaultBalance int
	activeTTL      time.Duration
	timeout        time.Duration
	purchaseURL    string

	active *cache.TTLCache[map[string]Addon]
	group  singleflight.Group

	creditLocks sync.Map // addon id -> *sync.Mutex

	observersMu sync.RWMutex
	observers   []CreditsObserver

	logger  zerolog.Logger
	metrics *metrics.LicensingMetrics
	now     func() time.Time
}

// NewManager creates an addon manager.
func NewManager(client Doer, store Store, tiers TierSource, cfg Config) *Manager {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.DefaultBalance <= 0 {
		cfg.DefaultBalance = DefaultCreditBalance
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = DefaultActiveTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PurchaseURL == "" {
		cfg.PurchaseURL = DefaultPurchaseURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		client:         client,
		store:          store,
		tiers:          tiers,
		catalog:        newCatalog(cfg.Catalog),
		domain:         license.NormalizeDomain(cfg.Domain),
		defaultBalance: cfg.DefaultBalance,
		activeTTL:      cfg.ActiveTTL,
		timeout:        cfg.Timeout,
		purchaseURL:    cfg.PurchaseURL,
		active:         cache.New[map[string]Addon](cfg.ActiveTTL, cache.WithClock(cfg.Now), cache.WithShards(1)),
		observers:      append([]CreditsObserver(nil), cfg.Observers...),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Now,
	}
}

// Catalog returns the known addons sorted by id.
func (m *Manager) Catalog() []Addon {
	out := make([]Addon, 0, len(m.catalog.ids))
	for _, id := range m.catalog.ids {
		a, _ := m.catalog.get(id)
		out = append(out, a)
	}
	return out
}

// Addon returns the catalog entry for id.
func (m *Manager) Addon(id string) (Addon, bool) {
	return m.catalog.get(id)
}

func secretName(id string) string {
	return "addon." + id + ".key"
}

// ActiveAddons returns the addons whose keys the licensing server currently
// accepts. Results are cached for an hour; a refresh that hit transport
// errors is cached briefly so an outage does not pin an empty set.
func (m *Manager) ActiveAddons(ctx context.Context) map[string]Addon {
	if entry, ok := m.active.Get(activeCacheKey); ok {
		return copyAddons(entry.Value)
	}
	result, _, _ := m.group.Do(activeCacheKey, func() (interface{}, error) {
		active, degraded := m.refreshActive(context.WithoutCancel(ctx))
		ttl := m.activeTTL
		if degraded {
			ttl = DefaultDegradedTTL
		}
		m.active.SetWithTTL(activeCacheKey, active, ttl)
		return active, nil
	})
	return copyAddons(result.(map[string]Addon))
}

// Refresh drops the active set and validates every addon again.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	m.ClearCache()
	active, degraded := m.refreshActive(ctx)
	ttl := m.activeTTL
	if degraded {
		ttl = DefaultDegradedTTL
	}
	m.active.SetWithTTL(activeCacheKey, active, ttl)
	if degraded {
		return len(active), errors.New("one or more addon validations failed")
	}
	return len(active), nil
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
	Domain     string `json:"domain"`
	Feature    string `json:"feature"`
	Context    string `json:"context"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
}

type validateResponse struct {
	AccessGranted *bool  `json:"access_granted"`
	ErrorCode     string `json:"error_code"`
}

func (m *Manager) refreshActive(ctx context.Context) (map[string]Addon, bool) {
	var (
		mu       sync.Mutex
		active   = make(map[string]Addon)
		degraded bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelValidation)
	for _, id := range m.catalog.ids {
		addon, _ := m.catalog.get(id)
		g.Go(func() error {
			key, ok, err := m.store.Secret(gctx, secretName(addon.ID))
			if err != nil {
				m.logger.Warn().Err(err).Str("addon", addon.ID).Msg("Failed to read addon key")
				mu.Lock()
				degraded = true
				mu.Unlock()
				return nil
			}
			if !ok || key == "" {
				return nil
			}

			granted, err := m.validateKey(gctx, addon.ID, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if apperrors.KindOf(err) != apperrors.KindClient {
					degraded = true
				}
				m.logger.Warn().Err(err).Str("addon", addon.ID).Msg("Addon validation failed")
				return nil
			}
			if granted {
				active[addon.ID] = addon
			}
			return nil
		})
	}
	_ = g.Wait()
	return active, degraded
}

func (m *Manager) validateKey(ctx context.Context, id, key string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var resp validateResponse
	err := m.client.DoJSON(callCtx, apiclient.Request{
		Method: http.MethodPost,
		Path:   license.DefaultValidatePath,
		Body: validateRequest{
			LicenseKey: key,
			Domain:     m.domain,
			Feature:    "addon:" + id,
			Context:    "addon",
			Timestamp:  m.now().Unix(),
			Nonce:      ulid.Make().String(),
		},
	}, &resp)
	if err != nil {
		return false, err
	}
	if resp.AccessGranted == nil {
		return false, apperrors.Malformed("POST "+license.DefaultValidatePath, errors.New("missing access_granted"))
	}
	return *resp.AccessGranted, nil
}

// HasAddon reports whether id is currently active.
func (m *Manager) HasAddon(ctx context.Context, id string) bool {
	_, ok := m.ActiveAddons(ctx)[id]
	return ok
}

// ValidateAddonAccess reports whether id may be used on top of baseTier. An
// active addon never grants access when the base tier is insufficient.
func (m *Manager) ValidateAddonAccess(ctx context.Context, id string, baseTier licensing.Tier) bool {
	addon, ok := m.catalog.get(id)
	if !ok {
		return false
	}
	if baseTier == "" && m.tiers != nil {
		baseTier = m.tiers.CurrentTier(ctx)
	}
	if !baseTier.AtLeast(addon.RequiredTier) {
		return false
	}
	return m.HasAddon(ctx, id)
}

type activationRequest struct {
	LicenseKey string            `json:"license_key"`
	Domain     string            `json:"domain"`
	SiteData   map[string]string `json:"site_data,omitempty"`
}

type activationResponse struct {
	Success *bool  `json:"success"`
	License string `json:"license"`
	Message string `json:"message"`
	Credits *int   `json:"credits"`
}

// ActivateAddon activates key for addon id. The base license must already be
// at or above the addon's required tier.
func (m *Manager) ActivateAddon(ctx context.Context, id, key string) (Result, error) {
	addon, ok := m.catalog.get(id)
	if !ok {
		msg := fmt.Sprintf("Unknown addon: %s", id)
		return Result{AddonID: id, Message: msg}, apperrors.InvalidInput("activate_addon", msg)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{AddonID: id, Message: "License key is required."}, apperrors.InvalidInput("activate_addon", "License key is required.")
	}
	if !license.ValidKeyFormat(key) {
		return Result{AddonID: id, Message: "Invalid license key format."}, apperrors.InvalidInput("activate_addon", "Invalid license key format.")
	}

	tier := licensing.TierFree
	if m.tiers != nil {
		tier = m.tiers.CurrentTier(ctx)
	}
	if !tier.AtLeast(addon.RequiredTier) {
		msg := fmt.Sprintf("%s requires a %s license or higher.", addon.Name, addon.RequiredTier.DisplayName())
		return Result{AddonID: id, Message: msg}, apperrors.InvalidInput("activate_addon", msg)
	}

	log := m.logger.With().Str("addon", id).Str("license_key", logging.RedactKey(key)).Logger()

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var resp activationResponse
	err := m.client.DoJSON(callCtx, apiclient.Request{
		Method: http.MethodPost,
		Path:   license.ActivatePath,
		Body: activationRequest{
			LicenseKey: key,
			Domain:     m.domain,
			SiteData:   map[string]string{"addon_id": id},
		},
	}, &resp)
	if err != nil {
		log.Warn().Err(err).Msg("Addon activation failed")
		return Result{AddonID: id, Message: "Activation failed: " + apperrors.UserMessage(err)}, err
	}
	if resp.Success == nil || !*resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = license.MessageForCode(resp.License)
		}
		log.Info().Str("status", resp.License).Msg("Addon activation rejected")
		return Result{AddonID: id, Message: msg}, apperrors.FromStatus("POST "+license.ActivatePath, http.StatusUnprocessableEntity, resp.License, msg)
	}

	if err := m.store.PutSecret(ctx, secretName(id), key); err != nil {
		return Result{AddonID: id, Message: "Activation succeeded but the addon key could not be saved."}, fmt.Errorf("store addon key: %w", err)
	}
	if addon.CreditBased() {
		if err := m.seedBalance(ctx, id, resp.Credits); err != nil {
			log.Warn().Err(err).Msg("Failed to initialise credit balance")
		}
	}
	m.ClearCache()

	log.Info().Msg("Addon activated")
	return Result{Success: true, AddonID: id, Message: addon.Name + " activated successfully.", RemoteConfirmed: true}, nil
}

func (m *Manager) seedBalance(ctx context.Context, id string, credits *int) error {
	if credits != nil && *credits >= 0 {
		return m.store.SetCreditBalance(ctx, id, *credits)
	}
	if _, ok, err := m.store.CreditBalance(ctx, id); err != nil || ok {
		return err
	}
	return m.store.SetCreditBalance(ctx, id, m.defaultBalance)
}

// DeactivateAddon removes the addon locally whatever the server answers.
func (m *Manager) DeactivateAddon(ctx context.Context, id string) (Result, error) {
	if _, ok := m.catalog.get(id); !ok {
		msg := fmt.Sprintf("Unknown addon: %s", id)
		return Result{AddonID: id, Message: msg}, apperrors.InvalidInput("deactivate_addon", msg)
	}

	key, ok, err := m.store.Secret(ctx, secretName(id))
	if err != nil {
		m.logger.Warn().Err(err).Str("addon", id).Msg("Failed to read addon key before deactivation")
	}

	var remoteErr error
	if ok && key != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		remoteErr = m.client.DoJSON(callCtx, apiclient.Request{
			Method: http.MethodPost,
			Path:   license.DeactivatePath,
			Body: activationRequest{
				LicenseKey: key,
				Domain:     m.domain,
				SiteData:   map[string]string{"addon_id": id},
			},
		}, nil)
		cancel()
	}

	// Local removal outlives the caller's deadline, which the remote call may
	// have used up.
	localCtx := context.WithoutCancel(ctx)
	if err := m.store.DeleteSecrets(localCtx, secretName(id)); err != nil {
		return Result{AddonID: id, Message: "Failed to remove addon key."}, fmt.Errorf("delete addon key: %w", err)
	}
	if err := m.store.DeleteCreditBalance(localCtx, id); err != nil {
		m.logger.Warn().Err(err).Str("addon", id).Msg("Failed to delete credit balance")
	}
	m.ClearCache()

	switch {
	case !ok || key == "":
		return Result{Success: true, AddonID: id, Message: "Addon was not active."}, nil
	case remoteErr != nil:
		m.logger.Warn().Err(remoteErr).Str("addon", id).Msg("Remote addon deactivation failed, removed locally")
		return Result{Success: true, AddonID: id, Message: "Addon removed from this site. The licensing server could not be notified."}, nil
	default:
		m.logger.Info().Str("addon", id).Msg("Addon deactivated")
		return Result{Success: true, AddonID: id, Message: "Addon deactivated successfully.", RemoteConfirmed: true}, nil
	}
}

// ClearCache drops the cached active set.
func (m *Manager) ClearCache() {
	m.active.Clear()
}

func copyAddons(in map[string]Addon) map[string]Addon {
	out := make(map[string]Addon, len(in))
	for id, a := range in {
		out[id] = a.clone()
	}
	return out
}

// ActiveIDs returns the sorted ids of the active addons.
func (m *Manager) ActiveIDs(ctx context.Context) []string {
	active := m.ActiveAddons(ctx)
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
