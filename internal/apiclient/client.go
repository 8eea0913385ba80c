package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/pulse-licensing/internal/cache"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoff     = time.Second
	DefaultTimeout     = 15 * time.Second
	DefaultCacheTTL    = 300 * time.Second
	maxResponseBytes   = 4 << 20
	HeaderSiteIdentity = "X-Site-Identity"
	HeaderRequestNonce = "X-Request-Nonce"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	SiteURL string
	Product string
	Version string

	// MaxRetries is the number of retries after the first attempt. Zero uses
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
	CacheTTL   time.Duration

	// RequestsPerSecond throttles outbound calls client-wide. Zero disables it.
	RequestsPerSecond float64
	Burst             int

	HTTPClient *http.Client
	Tokens     oauth2.TokenSource
	Logger     zerolog.Logger
	Metrics    *metrics.LicensingMetrics
}

// Request describes one call to the licensing server.
type Request struct {
	Method      string
	Path        string
	Body        interface{}
	// RequireAuth fails the call with ErrNoToken when no bearer token is
	// available. Without it the token is still attached when one exists.
	RequireAuth bool
	// Anonymous never attaches a bearer token.
	Anonymous bool
	// CacheKey opts a GET call into the response cache.
	CacheKey string
}

// Client performs authenticated JSON calls against the licensing server with
// retries, an opt-in response cache and response timing.
type Client struct {
	baseURL    string
	siteURL    string
	userAgent  string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	tokens     oauth2.TokenSource
	limiter    *rate.Limiter
	cache      *cache.TTLCache[json.RawMessage]
	logger     zerolog.Logger
	metrics    *metrics.LicensingMetrics

	sleep func(ctx context.Context, d time.Duration) error

	mu           sync.RWMutex
	lastDuration time.Duration
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid licensing server URL %q", cfg.BaseURL)
	}

	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Product == "" {
		cfg.Product = "pulse-license"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	c := &Client{
		baseURL:    base,
		siteURL:    cfg.SiteURL,
		userAgent:  cfg.Product + "/" + cfg.Version,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		httpClient: cfg.HTTPClient,
		tokens:     cfg.Tokens,
		cache:      cache.New[json.RawMessage](cfg.CacheTTL),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sleep:      sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// BaseURL returns the licensing server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LastResponseTime returns the wall-clock duration of the last completed call.
func (c *Client) LastResponseTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDuration
}

// InvalidateCache drops one cached response.
func (c *Client) InvalidateCache(key string) {
	c.cache.Delete(key)
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// DoJSON performs req and decodes the response into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out interface{}) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	raw, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Malformed(opName(req), err)
	}
	return nil
}

// Do performs req, retrying transport failures and 5xx responses with
// exponential backoff. 4xx responses are returned immediately.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	op := opName(req)

	cacheable := req.Method == http.MethodGet && req.CacheKey != ""
	if cacheable {
		if entry, ok := c.cache.Get(req.CacheKey); ok {
			return entry.Value, nil
		}
	}

	target, body, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var raw json.RawMessage
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			c.logger.Debug().
				Str("op", op).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Err(err).
				Msg("Retrying licensing API call")
			if c.metrics != nil {
				c.metrics.RecordRetry(req.Path)
			}
			if serr := c.sleep(ctx, delay); serr != nil {
				err = apperrors.Transport(op, serr)
				break
			}
		}

		if c.limiter != nil {
			if werr := c.limiter.Wait(ctx); werr != nil {
				err = apperrors.Transport(op, werr)
				break
			}
		}

		raw, err = c.send(ctx, req, op, target, body)
		if err == nil || !apperrors.IsRetryableError(err) {
			break
		}
	}

	elapsed := time.Since(start)
	c.mu.Lock()
	c.lastDuration = elapsed
	c.mu.Unlock()

	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(apperrors.KindOf(err))
		}
		c.metrics.RecordRequest(req.Method, req.Path, outcome, elapsed.Seconds())
	}

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("op", op).
			Int64("response_time_ms", elapsed.Milliseconds()).
			Msg("Licensing API call failed")
		return nil, err
	}

	if cacheable {
		c.cache.Set(req.CacheKey, raw)
	}
	return raw, nil
}

func (c *Client) encode(req Request) (string, []byte, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if req.Body == nil {
		return target, nil, nil
	}

	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		query, err := toQuery(req.Body)
		if err != nil {
			return "", nil, apperrors.InvalidInput(opName(req), err.Error())
		}
		if encoded := query.Encode(); encoded != "" {
			target += "?" + encoded
		}
		return target, nil, nil
	}

	body, err := json.Marshal(req.Body)
	if err != nil {
		return "", nil, apperrors.InvalidInput(opName(req), fmt.Sprintf("encode body: %v", err))
	}
	return target, body, nil
}

func (c *Client) send(ctx context.Context, req Request, op, target string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, apperrors.InvalidInput(op, err.Error())
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	SetSiteHeaders(httpReq, c.siteURL)
	switch {
	case req.RequireAuth:
		if c.tokens == nil {
			return nil, apperrors.New(apperrors.KindNoToken, op, "no token source configured", nil)
		}
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, apperrors.New(apperrors.KindNoToken, op, "no usable access token", err)
		}
		tok.SetAuthHeader(httpReq)
	case !req.Anonymous && c.tokens != nil:
		if tok, err := c.tokens.Token(); err == nil {
			tok.SetAuthHeader(httpReq)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.Transport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, StatusError(op, resp.StatusCode, data)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return nil, apperrors.Malformed(op, fmt.Errorf("response is not valid JSON (%d bytes)", len(data)))
	}
	return json.RawMessage(data), nil
}

// SetSiteHeaders stamps the site identity and a fresh request nonce on req.
// Every call to the licensing server carries both.
func SetSiteHeaders(req *http.Request, siteURL string) {
	req.Header.Set(HeaderRequestNonce, ulid.Make().String())
	if siteURL != "" {
		req.Header.Set(HeaderSiteIdentity, siteURL)
	}
}

// StatusError maps an error response onto the typed error taxonomy.
func StatusError(op string, status int, data []byte) *apperrors.APIError {
	code, message := errorFields(data)
	return apperrors.FromStatus(op, status, code, message)
}

// errorFields lifts the server's error code and message out of an error body.
func errorFields(data []byte) (string, string) {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", ""
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := body[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	return pick("code", "error_code"), pick("message", "detail", "error_message", "error")
}

// toQuery flattens a body value into query parameters.
func toQuery(body interface{}) (url.Values, error) {
	switch v := body.(type) {
	case url.Values:
		return v, nil
	case map[string]string:
		q := url.Values{}
		for k, val := range v {
			q.Set(k, val)
		}
		return q, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("GET body must be an object: %w", err)
	}
	q := url.Values{}
	for k, val := range fields {
		if val == nil {
			continue
		}
		q.Set(k, fmt.Sprint(val))
	}
	return q, nil
}

func opName(req Request) string {
	return req.Method + " /" + strings.TrimLeft(req.Path, "/")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
