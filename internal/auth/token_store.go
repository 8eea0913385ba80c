package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	DefaultRefreshBuffer = 300 * time.Second
	DefaultExpiresIn     = 3600
	DefaultTimeout       = 15 * time.Second

	RefreshPath = "/v1/auth/refresh"
	LoginPath   = "/v1/auth/login"

	// retryAfterFailure is how long Run waits after a failed refresh.
	retryAfterFailure = 60 * time.Second
)

// Persisted key names.
const (
	keyAPIKey       = "auth.api_key"
	keyAccessToken  = "auth.access_token"
	keyRefreshToken = "auth.refresh_token"
	keyTokenExpires = "auth.token_expires"
	keySiteID       = "auth.site_id"
	keyRegistered   = "auth.site_registered"
)

// SecretStore is the durable storage used for credentials. Secret values are
// encrypted at rest by the implementation.
type SecretStore interface {
	PutSecret(ctx context.Context, name, value string) error
	Secret(ctx context.Context, name string) (string, bool, error)
	DeleteSecrets(ctx context.Context, names ...string) error
	PutValue(ctx context.Context, name, value string) error
	Value(ctx context.Context, name string) (string, bool, error)
	DeleteValues(ctx context.Context, names ...string) error
}

// TokenResponse is the token payload returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// Credentials are the user credentials exchanged for tokens by Authenticate.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthStatus summarises the stored credentials for dashboards.
type AuthStatus struct {
	HasAPIKey     bool       `json:"has_api_key"`
	HasValidToken bool       `json:"has_valid_token"`
	TokenExpires  *time.Time `json:"token_expires,omitempty"`
	IsRegistered  bool       `json:"is_registered"`
	SiteID        string     `json:"site_id,omitempty"`
}

// Config configures a TokenStore.
type Config struct {
	BaseURL       string
	SiteURL       string
	UserAgent     string
	RefreshBuffer time.Duration
	HTTPClient    *http.Client
	Logger        zerolog.Logger
	Metrics       *metrics.LicensingMetrics
	Now           func() time.Time
}

// TokenStore holds the API key and OAuth-style tokens for the licensing server
// and keeps the access token fresh. It implements oauth2.TokenSource.
type TokenStore struct {
	store         SecretStore
	baseURL       string
	siteURL       string
	userAgent     string
	refreshBuffer time.Duration
	httpClient    *http.Client
	logger        zerolog.Logger
	metrics       *metrics.LicensingMetrics
	now           func() time.Time

	refreshMu sync.Mutex
	wake      chan struct{}
}

var _ oauth2.TokenSource = (*TokenStore)(nil)

// NewTokenStore creates a token store backed by store.
func NewTokenStore(store SecretStore, cfg Config) *TokenStore {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenStore{
		store:         store,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		siteURL:       cfg.SiteURL,
		userAgent:     cfg.UserAgent,
		refreshBuffer: cfg.RefreshBuffer,
		httpClient:    cfg.HTTPClient,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		wake:          make(chan struct{}, 1),
	}
}

// StoreTokens persists a token response and reschedules the proactive refresh.
func (s *TokenStore) StoreTokens(ctx context.Context, resp TokenResponse) error {
	if strings.TrimSpace(resp.AccessToken) == "" {
		return apperrors.InvalidInput("store_tokens", "token response has no access_token")
	}
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	expiresAt := s.now().Add(time.Duration(expiresIn) * time.Second)

	if err := s.store.PutSecret(ctx, keyAccessToken, resp.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if resp.RefreshToken != "" {
		if err := s.store.PutSecret(ctx, keyRefreshToken, resp.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	if err := s.store.PutValue(ctx, keyTokenExpires, strconv.FormatInt(expiresAt.Unix(), 10)); err != nil {
		return fmt.Errorf("store token expiry: %w", err)
	}

	s.logger.Debug().Time("expires_at", expiresAt).Msg("Stored access token")
	s.reschedule()
	return nil
}

// AccessToken returns the current bearer token, refreshing it first when it is
// inside the refresh buffer. A failed refresh keeps the old token until it expires.
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	token, expiresAt, err := s.currentToken(ctx)
	if err != nil {
		return "", err
	}

	if s.needsRefresh(expiresAt) {
		s.refreshIfNeeded(ctx)
		token, expiresAt, err = s.currentToken(ctx)
		if err != nil {
			return "", err
		}
	}

	if !expiresAt.IsZero() && !s.now().Before(expiresAt) {
		return "", apperrors.New(apperrors.KindNoToken, "access_token", "access token expired and could not be refreshed", nil)
	}
	return token, nil
}

// Token implements oauth2.TokenSource.
func (s *TokenStore) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	access, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	_, expiresAt, err := s.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: expiresAt}, nil
}

// Refresh exchanges the refresh token for a new access token. Failures are
// logged and leave the stored tokens untouched.
func (s *TokenStore) Refresh(ctx context.Context) bool {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *TokenStore) refreshIfNeeded(ctx context.Context) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	_, expiresAt, err := s.currentToken(ctx)
	if err == nil && !s.needsRefresh(expiresAt) {
		return
	}
	s.refreshLocked(ctx)
}

func (s *TokenStore) refreshLocked(ctx context.Context) bool {
	refreshToken, ok, err := s.store.Secret(ctx, keyRefreshToken)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read refresh token")
		s.recordRefresh(false)
		return false
	}
	if !ok || refreshToken == "" {
		s.logger.Debug().Msg("No refresh token available")
		s.recordRefresh(false)
		return false
	}

	body := map[string]string{"refresh_token": refreshToken, "site_url": s.siteURL}
	var resp TokenResponse
	if err := s.post(ctx, RefreshPath, refreshToken, body, &resp); err != nil {
		s.logger.Warn().Err(err).Msg("Token refresh failed, keeping existing tokens")
		s.recordRefresh(false)
		return false
	}
	if err := s.StoreTokens(ctx, resp); err != nil {
		s.logger.Warn().Err(err).Msg("Token refresh returned unusable tokens")
		s.recordRefresh(false)
		return false
	}

	s.logger.Info().Msg("Access token refreshed")
	s.recordRefresh(true)
	return true
}

// Authenticate logs in with user credentials and stores the issued tokens.
func (s *TokenStore) Authenticate(ctx context.Context, creds Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return apperrors.InvalidInput("authenticate", "username and password are required")
	}
	body := map[string]string{
		"username": creds.Username,
		"password": creds.Password,
		"site_url": s.siteURL,
	}
	var resp TokenResponse
	if err := s.post(ctx, LoginPath, "", body, &resp); err != nil {
		return err
	}
	return s.StoreTokens(ctx, resp)
}

// Clear wipes every stored credential.
func (s *TokenStore) Clear(ctx context.Context) error {
	if err := s.store.DeleteSecrets(ctx, keyAPIKey, keyAccessToken, keyRefreshToken); err != nil {
		return fmt.Errorf("clear secrets: %w", err)
	}
	if err := s.store.DeleteValues(ctx, keyTokenExpires, keySiteID, keyRegistered); err != nil {
		return fmt.Errorf("clear token metadata: %w", err)
	}
	s.logger.Info().Msg("Cleared stored credentials")
	s.reschedule()
	return nil
}

// SetAPIKey stores the site API key.
func (s *TokenStore) SetAPIKey(ctx context.Context, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return apperrors.InvalidInput("set_api_key", "api key is empty")
	}
	return s.store.PutSecret(ctx, keyAPIKey, apiKey)
}

// APIKey returns the stored API key, or "" when none is stored.
func (s *TokenStore) APIKey(ctx context.Context) (string, error) {
	key, _, err := s.store.Secret(ctx, keyAPIKey)
	return key, err
}

// SetSiteRegistration records a successful site registration.
func (s *TokenStore) SetSiteRegistration(ctx context.Context, apiKey, siteID string) error {
	if err := s.SetAPIKey(ctx, apiKey); err != nil {
		return err
	}
	if err := s.store.PutValue(ctx, keySiteID, siteID); err != nil {
		return fmt.Errorf("store site id: %w", err)
	}
	return s.store.PutValue(ctx, keyRegistered, "true")
}

// Status reports which credentials are present.
func (s *TokenStore) Status(ctx context.Context) AuthStatus {
	var status AuthStatus

	if key, ok, err := s.store.Secret(ctx, keyAPIKey); err == nil && ok && key != "" {
		status.HasAPIKey = true
	}
	if token, expiresAt, err := s.currentToken(ctx); err == nil && token != "" {
		if !expiresAt.IsZero() {
			exp := expiresAt
			status.TokenExpires = &exp
		}
		status.HasValidToken = expiresAt.IsZero() || s.now().Before(expiresAt)
	}
	if v, ok, err := s.store.Value(ctx, keyRegistered); err == nil && ok {
		status.IsRegistered = v == "true"
	}
	if v, ok, err := s.store.Value(ctx, keySiteID); err == nil && ok {
		status.SiteID = v
	}
	return status
}

// Run refreshes the access token shortly before it expires until ctx is done.
// Failed refreshes are retried after a minute.
func (s *TokenStore) Run(ctx context.Context) error {
	timer := time.NewTimer(s.nextWake(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
			if _, expiresAt, err := s.currentToken(ctx); err == nil && s.needsRefresh(expiresAt) {
				if !s.Refresh(ctx) {
					timer.Reset(retryAfterFailure)
					continue
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWake(ctx))
	}
}

// nextWake returns the delay until the token enters the refresh buffer.
func (s *TokenStore) nextWake(ctx context.Context) time.Duration {
	_, expiresAt, err := s.currentToken(ctx)
	if err != nil || expiresAt.IsZero() {
		return time.Hour
	}
	d := expiresAt.Add(-s.refreshBuffer).Sub(s.now())
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (s *TokenStore) reschedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *TokenStore) needsRefresh(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !s.now().Add(s.refreshBuffer).Before(expiresAt)
}

func (s *TokenStore) currentToken(ctx context.Context) (string, time.Time, error) {
	token, ok, err := s.store.Secret(ctx, keyAccessToken)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read access token: %w", err)
	}
	if !ok || token == "" {
		return "", time.Time{}, apperrors.New(apperrors.KindNoToken, "access_token", "no access token stored", nil)
	}

	raw, ok, err := s.store.Value(ctx, keyTokenExpires)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token expiry: %w", err)
	}
	var expiresAt time.Time
	if ok && raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn().Str("value", raw).Msg("Ignoring malformed token expiry")
		} else {
			expiresAt = time.Unix(unix, 0)
		}
	}
	return token, expiresAt, nil
}

func (s *TokenStore) recordRefresh(success bool) {
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(success)
	}
}

func (s *TokenStore) post(ctx context.Context, path, bearer string, body interface{}, out interface{}) error {
	op := "POST " + path
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	apiclient.SetSiteHeaders(req, s.siteURL)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Transport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return apiclient.StatusError(op, resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Malformed(op, err)
	}
	return nil
}
