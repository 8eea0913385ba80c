package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, url string, tokens oauth2.TokenSource) (*Client, *recordedSleeps) {
	t.Helper()
	c, err := New(Config{
		BaseURL: url,
		SiteURL: "https://site.example",
		Product: "pulse-license",
		Version: "1.2.3",
		Tokens:  tokens,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	sleeps := &recordedSleeps{}
	c.sleep = sleeps.sleep
	return c, sleeps
}

func TestRetriesServerErrorsWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, nil)
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.DoJSON(context.Background(), Request{Method: http.MethodPost, Path: "/validate", Body: map[string]string{"a": "b"}}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_code":"missing","error_message":"License not found"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/activate"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, sleeps.delays)

	var apiErr *apperrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apperrors.KindClient, apiErr.Kind)
	assert.Equal(t, "missing", apiErr.Code)
	assert.Equal(t, "License not found", apiErr.Message)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/validate"})
	assert.ErrorIs(t, err, apperrors.ErrServer)
	assert.Equal(t, int32(DefaultMaxRetries+1), calls.Load())
}

func TestTransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, sleeps := newTestClient(t, url, nil)
	_, err := c.Do(context.Background(), Request{Path: "/health"})
	assert.ErrorIs(t, err, apperrors.ErrTransport)
	assert.Len(t, sleeps.delays, DefaultMaxRetries)
}

func TestMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, nil)
	_, err := c.Do(context.Background(), Request{Path: "/status"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMalformedResponse)

	var apiErr *apperrors.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apperrors.CodeJSONDecode, apiErr.Code)
	assert.Empty(t, sleeps.delays)
}

func TestHeadersAndAuth(t *testing.T) {
	var got http.Header
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-123", TokenType: "Bearer"})
	c, _ := newTestClient(t, srv.URL, tokens)

	_, err := c.Do(context.Background(), Request{
		Method:      http.MethodPost,
		Path:        "/credits/use",
		Body:        map[string]string{"feature": "automation_agents"},
		RequireAuth: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "pulse-license/1.2.3", got.Get("User-Agent"))
	assert.Equal(t, "Bearer tok-123", got.Get("Authorization"))
	assert.Equal(t, "https://site.example", got.Get(HeaderSiteIdentity))
	assert.Len(t, got.Get(HeaderRequestNonce), 26)
	assert.Equal(t, "automation_agents", body["feature"])
}

func TestRequireAuthWithoutTokenFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/validate", RequireAuth: true})
	assert.ErrorIs(t, err, apperrors.ErrNoToken)
	assert.Equal(t, int32(0), calls.Load())
}

func TestBearerAttachedWhenAvailable(t *testing.T) {
	var auth []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-456", TokenType: "Bearer"})
	c, _ := newTestClient(t, srv.URL, tokens)
	ctx := context.Background()

	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/validate"})
	require.NoError(t, err)
	_, err = c.Health(ctx)
	require.NoError(t, err)

	anon, _ := newTestClient(t, srv.URL, nil)
	_, err = anon.Do(ctx, Request{Method: http.MethodPost, Path: "/validate"})
	require.NoError(t, err, "optional auth never blocks a call")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer tok-456", "", ""}, auth)
}

func TestGetEncodesBodyAsQueryAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "KEY", r.URL.Query().Get("license_key"))
		assert.Equal(t, "site.example", r.URL.Query().Get("domain"))
		_, _ = w.Write([]byte(`{"status":"active"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	req := Request{
		Path:     "/status",
		Body:     map[string]string{"license_key": "KEY", "domain": "site.example"},
		CacheKey: "status",
	}
	for i := 0; i < 3; i++ {
		raw, err := c.Do(context.Background(), req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"active"}`, string(raw))
	}
	assert.Equal(t, int32(1), calls.Load())

	c.InvalidateCache("status")
	_, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMutatingCallsAreNeverCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	req := Request{Method: http.MethodPost, Path: "/credits/use", CacheKey: "credits"}
	_, _ = c.Do(context.Background(), req)
	_, _ = c.Do(context.Background(), req)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLastResponseTimeRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"status":"ok","version":"2.0.0"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "2.0.0", health.Version)
	assert.GreaterOrEqual(t, c.LastResponseTime(), 20*time.Millisecond)
	assert.GreaterOrEqual(t, health.ResponseTimeMS, int64(20))
}

func TestRegisterSite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RegisterSitePath, r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var info SiteInfo
		_ = json.NewDecoder(r.Body).Decode(&info)
		assert.Equal(t, "https://site.example", info.SiteURL)
		_, _ = w.Write([]byte(`{"api_key":"ak_1","site_id":"s_1"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	reg, err := c.RegisterSite(context.Background(), SiteInfo{SiteName: "Example"})
	require.NoError(t, err)
	assert.Equal(t, Registration{APIKey: "ak_1", SiteID: "s_1"}, reg)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestOutboundThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 20, Burst: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), Request{Path: "/health"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
