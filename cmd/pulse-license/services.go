package main

import (
	"context"
	"fmt"

	"github.com/rcourtman/pulse-licensing/internal/addons"
	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	"github.com/rcourtman/pulse-licensing/internal/auth"
	"github.com/rcourtman/pulse-licensing/internal/config"
	"github.com/rcourtman/pulse-licensing/internal/crypto"
	"github.com/rcourtman/pulse-licensing/internal/gate"
	"github.com/rcourtman/pulse-licensing/internal/license"
	"github.com/rcourtman/pulse-licensing/internal/logging"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rcourtman/pulse-licensing/internal/netutil"
	"github.com/rcourtman/pulse-licensing/internal/store"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
	"github.com/rs/zerolog"
)

// services is the wired licensing stack shared by every command.
type services struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *metrics.LicensingMetrics
	store     *store.Store
	resolver  *netutil.Resolver
	tokens    *auth.TokenStore
	client    *apiclient.Client
	registry  *licensing.Registry
	validator *license.Validator
	gate      *gate.Gate
	addons    *addons.Manager
}

// loadServices reads configuration, initialises logging and wires the stack.
func loadServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// Components are tagged per collaborator below.
	logger := logging.Init(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
	})
	return newServices(cfg, logger, metrics.Get())
}

func newServices(cfg *config.Config, logger zerolog.Logger, m *metrics.LicensingMetrics) (*services, error) {
	sealer, err := crypto.NewCryptoManager(cfg.Secret, cfg.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("initialise encryption: %w", err)
	}
	st, err := store.Open(store.Config{
		DataDir: cfg.DataDir,
		Sealer:  sealer,
		Logger:  logger.With().Str("component", "store").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	resolver := netutil.NewResolver(cfg.DNSRefresh, logger.With().Str("component", "dns").Logger())
	httpClient := netutil.NewHTTPClient(cfg.RequestTimeout, resolver)

	tokens := auth.NewTokenStore(st, auth.Config{
		BaseURL:    cfg.APIURL,
		SiteURL:    cfg.SiteURL,
		UserAgent:  "pulse-license/" + cfg.UserAgentVersion(),
		HTTPClient: httpClient,
		Logger:     logger.With().Str("component", "auth").Logger(),
		Metrics:    m,
	})
	if cfg.APIKey != "" {
		if err := tokens.SetAPIKey(context.Background(), cfg.APIKey); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("store api key: %w", err)
		}
	}

	client, err := apiclient.New(apiclient.Config{
		BaseURL:           cfg.APIURL,
		SiteURL:           cfg.SiteURL,
		Version:           cfg.UserAgentVersion(),
		MaxRetries:        retriesFor(cfg.MaxRetries),
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		HTTPClient:        httpClient,
		Tokens:            tokens,
		Logger:            logger.With().Str("component", "apiclient").Logger(),
		Metrics:           m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := licensing.NewDefaultBuilder().Build()
	validator := license.NewValidator(client, st, registry, license.Config{
		Domain:        cfg.SiteURL,
		PluginVersion: cfg.PluginVersion,
		HostVersion:   cfg.HostVersion,
		CacheTTL:      cfg.CacheTTL,
		RateLimit:     cfg.RateLimit,
		RateWindow:    cfg.RateWindow,
		RequireAuth:   cfg.RequireAuth,
		Logger:        logger.With().Str("component", "license").Logger(),
		Metrics:       m,
	})

	g := gate.New(validator, registry, st, gate.Config{
		PricingURL: cfg.PricingURL,
		Logger:     logger.With().Str("component", "gate").Logger(),
		Metrics:    m,
	})

	mgr := addons.NewManager(client, st, validator, addons.Config{
		Domain:      cfg.SiteURL,
		Timeout:     cfg.RequestTimeout,
		PurchaseURL: cfg.PurchaseURL,
		Logger:      logger.With().Str("component", "addons").Logger(),
		Metrics:     m,
	})

	// Addon eligibility depends on the base tier.
	validator.OnChange(func(prev, next license.License) {
		logger.Info().
			Str("previous_tier", string(prev.EffectiveTier())).
			Str("tier", string(next.EffectiveTier())).
			Msg("Base license changed")
		mgr.ClearCache()
	})

	return &services{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     st,
		resolver:  resolver,
		tokens:    tokens,
		client:    client,
		registry:  registry,
		validator: validator,
		gate:      g,
		addons:    mgr,
	}, nil
}

// retriesFor maps the configured retry count onto the client convention,
// where zero means "default" and a negative value disables retries.
func retriesFor(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func (s *services) Close() error {
	return s.store.Close()
}
