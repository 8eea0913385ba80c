package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/apiclient"
	"github.com/rcourtman/pulse-licensing/internal/crypto"
	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
	"github.com/rcourtman/pulse-licensing/internal/store"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"

type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]*atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{handlers: map[string]http.HandlerFunc{}, hits: map[string]*atomic.Int32{}}
	for _, p := range []string{DefaultValidatePath, ActivatePath, DeactivatePath, StatusPath} {
		fs.hits[p] = &atomic.Int32{}
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := fs.hits[r.URL.Path]; ok {
			c.Add(1)
		}
		fs.mu.Lock()
		h := fs.handlers[r.URL.Path]
		fs.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) handle(path string, h http.HandlerFunc) {
	fs.mu.Lock()
	fs.handlers[path] = h
	fs.mu.Unlock()
}

func (fs *fakeServer) count(path string) int32 {
	return fs.hits[path].Load()
}

func respondJSON(v interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type harness struct {
	v     *Validator
	store *store.Store
	now   *time.Time
	mu    *sync.Mutex
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	*h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, baseURL string) *harness {
	t.Helper()
	sealer, err := crypto.NewCryptoManager("license-test-secret-0123456789", "https://shop.example.com")
	require.NoError(t, err)
	st, err := store.Open(store.Config{DataDir: t.TempDir(), Sealer: sealer, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	client, err := apiclient.New(apiclient.Config{BaseURL: baseURL, MaxRetries: -1, Logger: zerolog.Nop()})
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	v := NewValidator(client, st, licensing.NewDefaultBuilder().Build(), Config{
		Domain:        "https://shop.example.com",
		PluginVersion: "1.1.0",
		HostVersion:   "6.5",
		Logger:        zerolog.Nop(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})
	return &harness{v: v, store: st, now: &now, mu: &mu}
}

func (h *harness) storeKey(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.PutSecret(context.Background(), licenseKeySecret, testKey))
}

func deadServerURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestFreeFeaturesGrantedDuringTotalOutage(t *testing.T) {
	h := newHarness(t, deadServerURL())
	ctx := context.Background()

	for _, storeKey := range []bool{false, true} {
		if storeKey {
			h.storeKey(t)
		}
		for _, f := range h.v.Registry().TierFeatures(licensing.TierFree) {
			d := h.v.ValidateFeatureAccess(ctx, f, "")
			assert.True(t, d.Granted, "free feature %s must be granted", f)
			assert.Equal(t, ReasonFreeFeature, d.Reason)
		}
		d := h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "")
		assert.False(t, d.Granted)
	}
}

func TestNoLicenseDeniesPaidFeatures(t *testing.T) {
	fs := newFakeServer(t)
	h := newHarness(t, fs.URL)

	d := h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureVectorEmbeddings, "search")
	assert.Equal(t, StateNoLicense, d.State)
	assert.False(t, d.Granted)
	assert.Equal(t, int32(0), fs.count(DefaultValidatePath))
}

func TestGrantIsCachedWithinTTL(t *testing.T) {
	fs := newFakeServer(t)
	var body map[string]interface{}
	fs.handle(DefaultValidatePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_granted": true, "license_status": "active", "tier": "pro"})
	})
	h := newHarness(t, fs.URL)
	h.storeKey(t)
	ctx := context.Background()

	first := h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "search")
	second := h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "search")

	assert.Equal(t, StateGranted, first.State)
	assert.Equal(t, first, second)
	assert.Equal(t, licensing.TierPro, first.Tier)
	assert.Equal(t, int32(1), fs.count(DefaultValidatePath))

	assert.Equal(t, testKey, body["license_key"])
	assert.Equal(t, "shop.example.com", body["domain"])
	assert.Equal(t, "search", body["context"])
	assert.Equal(t, "1.1.0", body["plugin_version"])
	assert.NotEmpty(t, body["nonce"])

	h.advance(MaxCacheTTL)
	h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "search")
	assert.Equal(t, int32(2), fs.count(DefaultValidatePath), "entry must expire at the TTL")
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	fs := newFakeServer(t)
	release := make(chan struct{})
	fs.handle(DefaultValidatePath, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_granted": true})
	})
	h := newHarness(t, fs.URL)
	h.storeKey(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureWhiteLabel, "")
			assert.True(t, d.Granted)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), fs.count(DefaultValidatePath))
}

func TestCancelledCallerDoesNotWaitForSharedCheck(t *testing.T) {
	fs := newFakeServer(t)
	release := make(chan struct{})
	fs.handle(DefaultValidatePath, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_granted": true})
	})
	h := newHarness(t, fs.URL)
	h.storeKey(t)

	shared := make(chan Decision, 1)
	go func() {
		shared <- h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureWhiteLabel, "")
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	d := h.v.ValidateFeatureAccess(ctx, licensing.FeatureWhiteLabel, "")
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, d.Granted)
	assert.Equal(t, StateServerError, d.State)

	close(release)
	select {
	case got := <-shared:
		assert.True(t, got.Granted, "the remaining waiter still gets the server answer")
	case <-time.After(5 * time.Second):
		t.Fatal("shared check never completed")
	}
	assert.Equal(t, int32(1), fs.count(DefaultValidatePath))
}

func TestDenialsAreNotCached(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{
		"access_granted": false,
		"license_status": "expired",
		"error_code":     "tier_insufficient",
	}))
	h := newHarness(t, fs.URL)
	h.storeKey(t)
	ctx := context.Background()

	d := h.v.ValidateFeatureAccess(ctx, licensing.FeatureWhiteLabel, "")
	assert.Equal(t, StateDenied, d.State)
	assert.Equal(t, "tier_insufficient", d.Reason)
	assert.Equal(t, MessageForCode("expired"), d.Message)

	h.v.ValidateFeatureAccess(ctx, licensing.FeatureWhiteLabel, "")
	assert.Equal(t, int32(2), fs.count(DefaultValidatePath))
}

func TestRateLimiterCapsRemoteCalls(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{"access_granted": false}))
	h := newHarness(t, fs.URL)
	h.storeKey(t)

	limited := 0
	for i := 0; i < 40; i++ {
		d := h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureMultisiteLicenses, "dashboard")
		if d.State == StateRateLimited {
			limited++
			assert.False(t, d.Confirmed())
		}
	}
	assert.Equal(t, int32(30), fs.count(DefaultValidatePath))
	assert.Equal(t, 10, limited)
	assert.Equal(t, int64(10), h.v.Stats().RateLimited)

	d := h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureMultisiteLicenses, "other-context")
	assert.Equal(t, StateDenied, d.State, "other contexts keep their own window")

	h.advance(time.Minute)
	d = h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureMultisiteLicenses, "dashboard")
	assert.Equal(t, StateDenied, d.State)
}

func TestServerErrorDeniesPaidFeature(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(DefaultValidatePath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := newHarness(t, fs.URL)
	h.storeKey(t)

	d := h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureVectorEmbeddings, "")
	assert.Equal(t, StateServerError, d.State)
	assert.False(t, d.Granted)
	assert.False(t, d.Confirmed())

	fs.handle(DefaultValidatePath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	d = h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureVectorEmbeddings, "")
	assert.Equal(t, StateServerError, d.State)
}

func TestDomainBindingDeniesUnboundSite(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{
		"access_granted": true,
		"sites":          []string{"other.example.org"},
	}))
	h := newHarness(t, fs.URL)
	h.storeKey(t)

	d := h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureWhiteLabel, "")
	assert.Equal(t, StateDenied, d.State)
	assert.Equal(t, ReasonDomainMismatch, d.Reason)

	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{
		"access_granted": true,
		"sites":          []string{"*.example.com"},
	}))
	d = h.v.ValidateFeatureAccess(context.Background(), licensing.FeatureWhiteLabel, "")
	assert.Equal(t, StateGranted, d.State)
}

func TestActivateRejectsMalformedKeyWithoutNetwork(t *testing.T) {
	fs := newFakeServer(t)
	h := newHarness(t, fs.URL)

	for _, key := range []string{"", "short", "has spaces in it but is long enough to pass", testKey + "!"} {
		res, err := h.v.Activate(context.Background(), key)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		assert.False(t, res.Success)
	}
	assert.Equal(t, int32(0), fs.count(ActivatePath))
}

func TestActivateStoresKeyAndClearsCache(t *testing.T) {
	fs := newFakeServer(t)
	var activation map[string]interface{}
	fs.handle(ActivatePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&activation)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true, "tier": "enterprise", "sites_used": 2, "sites_limit": 10,
		})
	})
	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{"access_granted": true}))
	h := newHarness(t, fs.URL)
	ctx := context.Background()

	var changes []License
	h.v.OnChange(func(_, next License) { changes = append(changes, next) })

	// Seed a cached grant from a previous key.
	h.storeKey(t)
	h.v.ValidateFeatureAccess(ctx, licensing.FeatureWhiteLabel, "")
	require.Equal(t, 1, h.v.Stats().Cache.Entries)

	res, err := h.v.Activate(ctx, "  "+testKey+"  ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.RemoteConfirmed)
	assert.Equal(t, licensing.TierEnterprise, res.License.Tier)
	assert.Equal(t, 10, res.License.SitesLimit)
	assert.Equal(t, testKey, activation["license_key"])
	assert.Equal(t, "shop.example.com", activation["domain"])
	assert.NotNil(t, activation["site_data"])

	assert.Equal(t, 0, h.v.Stats().Cache.Entries)
	assert.Equal(t, licensing.TierEnterprise, h.v.CurrentTier(ctx))
	require.Len(t, changes, 1)
	assert.Equal(t, StatusActive, changes[0].Status)
}

func TestActivateSurfacesServerMessage(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(ActivatePath, respondJSON(map[string]interface{}{"success": false, "license": "no_activations_left"}))
	h := newHarness(t, fs.URL)

	res, err := h.v.Activate(context.Background(), testKey)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, MessageForCode("no_activations_left"), res.Message)
	assert.False(t, h.v.HasLicense(context.Background()))
}

func TestDeactivateSucceedsLocallyWhenServerUnreachable(t *testing.T) {
	h := newHarness(t, deadServerURL())
	ctx := context.Background()
	h.storeKey(t)
	_, err := h.v.cache.PutSnapshot(ctx, License{Status: StatusActive, Tier: licensing.TierAgency})
	require.NoError(t, err)

	res, err := h.v.Deactivate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.RemoteConfirmed)
	assert.False(t, h.v.HasLicense(ctx))
	assert.Equal(t, licensing.TierFree, h.v.CurrentTier(ctx))
}

func TestDeactivateOutlivesCallerDeadline(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(DeactivatePath, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	h := newHarness(t, fs.URL)
	bg := context.Background()
	h.storeKey(t)
	_, err := h.v.cache.PutSnapshot(bg, License{Status: StatusActive, Tier: licensing.TierPro})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(bg, 200*time.Millisecond)
	defer cancel()
	res, err := h.v.Deactivate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.RemoteConfirmed)
	assert.Equal(t, int32(1), fs.count(DeactivatePath))
	assert.False(t, h.v.HasLicense(bg), "license key must be gone even after the deadline passed")
	assert.Equal(t, licensing.TierFree, h.v.CurrentTier(bg))
}

func TestDeactivateWithoutLicense(t *testing.T) {
	fs := newFakeServer(t)
	h := newHarness(t, fs.URL)
	res, err := h.v.Deactivate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "No license to deactivate.", res.Message)
	assert.Equal(t, int32(0), fs.count(DeactivatePath))
}

func TestStatusDegradesToUnknownFree(t *testing.T) {
	h := newHarness(t, deadServerURL())
	h.storeKey(t)

	st := h.v.Status(context.Background())
	assert.Equal(t, StatusUnknown, st.Status)
	assert.Equal(t, licensing.TierFree, st.Tier)
}

func TestStatusUsesSnapshotWithinTTL(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(StatusPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testKey, r.URL.Query().Get("license_key"))
		assert.Equal(t, "shop.example.com", r.URL.Query().Get("domain"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"license_status": "valid", "tier": "agency", "sites_limit": 50})
	})
	h := newHarness(t, fs.URL)
	h.storeKey(t)
	ctx := context.Background()

	st := h.v.Status(ctx)
	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, licensing.TierAgency, st.EffectiveTier())
	h.v.Status(ctx)
	assert.Equal(t, int32(1), fs.count(StatusPath))

	h.advance(MaxCacheTTL)
	h.v.Status(ctx)
	assert.Equal(t, int32(2), fs.count(StatusPath))
}

func TestExpiredSnapshotUsesShorterTTL(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(StatusPath, respondJSON(map[string]interface{}{"license_status": "expired", "tier": "pro"}))
	h := newHarness(t, fs.URL)
	h.storeKey(t)
	ctx := context.Background()

	st := h.v.Status(ctx)
	assert.Equal(t, StatusExpired, st.Status)
	assert.Equal(t, licensing.TierFree, st.EffectiveTier())
	assert.Equal(t, MessageForCode("expired"), st.Message)

	h.advance(MaxCacheTTL / 2)
	h.v.Status(ctx)
	assert.Equal(t, int32(2), fs.count(StatusPath))
}

func TestSyncClearsDecisionsOnChange(t *testing.T) {
	fs := newFakeServer(t)
	tier := atomic.Value{}
	tier.Store("pro")
	fs.handle(StatusPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"license_status": "active", "tier": tier.Load()})
	})
	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{"access_granted": true}))
	h := newHarness(t, fs.URL)
	h.storeKey(t)
	ctx := context.Background()

	changed, err := h.v.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, changed, "first sync establishes the snapshot")

	h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "")
	changed, err = h.v.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, h.v.Stats().Cache.Entries)

	tier.Store("enterprise")
	changed, err = h.v.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0, h.v.Stats().Cache.Entries)
	assert.Equal(t, licensing.TierEnterprise, h.v.CurrentTier(ctx))
}

func TestWarmCacheRevalidatesExpiringGrants(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle(DefaultValidatePath, respondJSON(map[string]interface{}{"access_granted": true}))
	fs.handle(StatusPath, respondJSON(map[string]interface{}{"license_status": "active", "tier": "pro"}))
	h := newHarness(t, fs.URL)
	h.storeKey(t)
	ctx := context.Background()

	h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "a")
	h.advance(4 * time.Minute)

	refreshed := h.v.WarmCache(ctx, 2*time.Minute)
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, int32(2), fs.count(DefaultValidatePath))
	assert.Equal(t, int32(1), fs.count(StatusPath))

	h.advance(2 * time.Minute)
	h.v.ValidateFeatureAccess(ctx, licensing.FeatureVectorEmbeddings, "a")
	assert.Equal(t, int32(2), fs.count(DefaultValidatePath), "warmed entry should still be live")
}
