package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	EnvPrefix      = "PULSE_LICENSE_"
	defaultDataDir = "/var/lib/pulse-license"
	maxCacheTTL    = 5 * time.Minute
)

// Config holds the runtime configuration of the licensing service.
type Config struct {
	// Licensing server
	APIURL        string
	SiteURL       string
	PluginVersion string
	HostVersion   string
	RequireAuth   bool
	APIKey        string

	// Local state
	DataDir string
	Secret  string
	EnvFile string

	// HTTP surface
	BindAddress string
	Port        int
	// AdminToken guards mutating endpoints. Empty leaves them open.
	AdminToken string

	// Client behaviour
	MaxRetries        int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	DNSRefresh        time.Duration

	// Validation
	CacheTTL   time.Duration
	RateLimit  int
	RateWindow time.Duration

	// Background jobs
	SyncInterval  time.Duration
	WarmInterval  time.Duration
	AddonInterval time.Duration

	// Upgrade funnel
	PricingURL  string
	PurchaseURL string

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment. A .env file in the data
// directory, then one in the working directory, is applied first; variables
// already set in the process environment win.
func Load() (*Config, error) {
	dataDir := envOrDefault("DATA_DIR", defaultDataDir)
	envFile := envOrDefault("ENV_FILE", filepath.Join(dataDir, ".env"))

	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.EnvFile = envFile
	return cfg, nil
}

// FromEnv builds the configuration from PULSE_LICENSE_* variables without
// touching any .env file.
func FromEnv() (*Config, error) {
	var errs []string
	intVar := func(name string, fallback int) int {
		v, err := envOrDefaultInt(name, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durVar := func(name string, fallback time.Duration) time.Duration {
		v, err := envOrDefaultDuration(name, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	cfg := &Config{
		APIURL:        strings.TrimSuffix(envOrDefault("API_URL", ""), "/"),
		SiteURL:       envOrDefault("SITE_URL", ""),
		PluginVersion: envOrDefault("PLUGIN_VERSION", "1.1.0"),
		HostVersion:   envOrDefault("HOST_VERSION", ""),
		APIKey:        envOrDefault("API_KEY", ""),
		DataDir:       envOrDefault("DATA_DIR", defaultDataDir),
		Secret:        envOrDefault("SECRET", ""),
		EnvFile:       envOrDefault("ENV_FILE", ""),
		BindAddress:   envOrDefault("BIND_ADDRESS", "127.0.0.1"),
		AdminToken:    envOrDefault("ADMIN_TOKEN", ""),
		Port:          intVar("PORT", 7656),

		MaxRetries:     intVar("MAX_RETRIES", 3),
		RequestTimeout: durVar("REQUEST_TIMEOUT", 15*time.Second),
		DNSRefresh:     durVar("DNS_REFRESH", 5*time.Minute),

		CacheTTL:   durVar("CACHE_TTL", maxCacheTTL),
		RateLimit:  intVar("RATE_LIMIT", 30),
		RateWindow: durVar("RATE_WINDOW", time.Minute),

		SyncInterval:  durVar("SYNC_INTERVAL", time.Hour),
		WarmInterval:  durVar("WARM_INTERVAL", 240*time.Second),
		AddonInterval: durVar("ADDON_INTERVAL", time.Hour),

		PricingURL:  envOrDefault("PRICING_URL", ""),
		PurchaseURL: envOrDefault("PURCHASE_URL", ""),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),
	}

	if v := envOrDefault("REQUIRE_AUTH", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sREQUIRE_AUTH must be a boolean, got %q", EnvPrefix, v))
		}
		cfg.RequireAuth = b
	}
	if v := envOrDefault("REQUESTS_PER_SECOND", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Sprintf("%sREQUESTS_PER_SECOND must be a non-negative number, got %q", EnvPrefix, v))
		}
		cfg.RequestsPerSecond = f
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate licensing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.APIURL == "" {
		missing = append(missing, EnvPrefix+"API_URL")
	}
	if c.SiteURL == "" {
		missing = append(missing, EnvPrefix+"SITE_URL")
	}
	if c.Secret == "" {
		missing = append(missing, EnvPrefix+"SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if err := validateHTTPURL("API_URL", c.APIURL); err != nil {
		return err
	}
	if err := validateHTTPURL("SITE_URL", c.SiteURL); err != nil {
		return err
	}
	for name, v := range map[string]string{"PRICING_URL": c.PricingURL, "PURCHASE_URL": c.PurchaseURL} {
		if v == "" {
			continue
		}
		if err := validateHTTPURL(name, v); err != nil {
			return err
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%sPORT must be between 1 and 65535, got %d", EnvPrefix, c.Port)
	}
	if net.ParseIP(c.BindAddress) == nil && c.BindAddress != "localhost" {
		return fmt.Errorf("%sBIND_ADDRESS must be an IP address, got %q", EnvPrefix, c.BindAddress)
	}
	if ip := net.ParseIP(c.BindAddress); ip != nil && !ip.IsLoopback() && c.AdminToken == "" {
		return fmt.Errorf("%sADMIN_TOKEN is required when binding to non-loopback address %s", EnvPrefix, c.BindAddress)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("%sMAX_RETRIES must be between 0 and 10, got %d", EnvPrefix, c.MaxRetries)
	}
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("%sREQUEST_TIMEOUT must be at least 1s", EnvPrefix)
	}
	if c.CacheTTL <= 0 || c.CacheTTL > maxCacheTTL {
		return fmt.Errorf("%sCACHE_TTL must be between 1s and %s, got %s", EnvPrefix, maxCacheTTL, c.CacheTTL)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%sRATE_LIMIT must be greater than 0, got %d", EnvPrefix, c.RateLimit)
	}
	for name, d := range map[string]time.Duration{
		"RATE_WINDOW":    c.RateWindow,
		"SYNC_INTERVAL":  c.SyncInterval,
		"WARM_INTERVAL":  c.WarmInterval,
		"ADDON_INTERVAL": c.AddonInterval,
		"DNS_REFRESH":    c.DNSRefresh,
	} {
		if d < time.Second {
			return fmt.Errorf("%s%s must be at least 1s, got %s", EnvPrefix, name, d)
		}
	}
	return nil
}

// ListenAddr is the host:port the HTTP surface binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// UserAgentVersion is the version reported in the User-Agent header.
func (c *Config) UserAgentVersion() string {
	if c.PluginVersion == "" {
		return "dev"
	}
	return c.PluginVersion
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s%s must be a valid URL: %w", EnvPrefix, name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s%s must use http or https scheme", EnvPrefix, name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s%s must include a host", EnvPrefix, name)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if v := strings.Trim(strings.TrimSpace(os.Getenv(EnvPrefix+name)), "'\""); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(name string, fallback int) (int, error) {
	v := envOrDefault(name, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s%s must be an integer, got %q", EnvPrefix, name, v)
	}
	return n, nil
}

// envOrDefaultDuration accepts Go durations and bare integers as seconds.
func envOrDefaultDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := envOrDefault(name, "")
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s%s must be a duration, got %q", EnvPrefix, name, v)
	}
	return d, nil
}
