package licensing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestTierOrdering(t *testing.T) {
	tests := []struct {
		tier Tier
		min  Tier
		want bool
	}{
		{TierFree, TierFree, true},
		{TierPro, TierFree, true},
		{TierFree, TierPro, false},
		{TierAgency, TierEnterprise, true},
		{TierEnterprise, TierAgency, false},
		{Tier("platinum"), TierFree, false},
		{TierAgency, Tier("platinum"), false},
	}
	for _, tt := range tests {
		if got := tt.tier.AtLeast(tt.min); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.tier, tt.min, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	if tier, ok := ParseTier(" Enterprise "); !ok || tier != TierEnterprise {
		t.Fatalf("ParseTier = %q, %v", tier, ok)
	}
	if _, ok := ParseTier("gold"); ok {
		t.Fatal("expected unknown tier to be rejected")
	}
}

func TestUpgradeAndDowngradeTier(t *testing.T) {
	if next, ok := UpgradeTier(TierFree); !ok || next != TierPro {
		t.Fatalf("UpgradeTier(free) = %q, %v", next, ok)
	}
	if _, ok := UpgradeTier(TierAgency); ok {
		t.Fatal("agency has no upgrade")
	}
	if prev, ok := DowngradeTier(TierEnterprise); !ok || prev != TierPro {
		t.Fatalf("DowngradeTier(enterprise) = %q, %v", prev, ok)
	}
	if _, ok := DowngradeTier(TierFree); ok {
		t.Fatal("free has no downgrade")
	}
}

func TestStaticTierFeaturesAreCumulative(t *testing.T) {
	tiers := Tiers()
	for i := 0; i < len(tiers)-1; i++ {
		lower, higher := tiers[i], tiers[i+1]
		for _, f := range TierFeatures[lower] {
			if !TierHasFeature(higher, f) {
				t.Errorf("%s missing %s inherited from %s", higher, f, lower)
			}
		}
	}
	if len(TierFeatures[TierFree]) != 8 || len(TierFeatures[TierAgency]) != 23 {
		t.Fatalf("unexpected catalog sizes: free=%d agency=%d", len(TierFeatures[TierFree]), len(TierFeatures[TierAgency]))
	}
}

func TestSupportsMultisite(t *testing.T) {
	if SupportsMultisite(TierPro) {
		t.Fatal("pro is single-site")
	}
	if !SupportsMultisite(TierEnterprise) || !SupportsMultisite(TierAgency) {
		t.Fatal("enterprise and agency are multisite")
	}
}

func TestUpgradeURLForTier(t *testing.T) {
	raw := UpgradeURLForTier("", TierPro, FeatureVectorEmbeddings)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("tier") != "pro" || q.Get("feature") != FeatureVectorEmbeddings || q.Get("utm_source") != "plugin" {
		t.Fatalf("unexpected query: %s", u.RawQuery)
	}

	custom := UpgradeURLForTier("https://shop.example.com/buy?ref=abc", TierAgency, "")
	cu, _ := url.Parse(custom)
	if cu.Host != "shop.example.com" || cu.Query().Get("ref") != "abc" || cu.Query().Get("tier") != "agency" {
		t.Fatalf("custom base not preserved: %s", custom)
	}
}

func TestWriteFeatureRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteFeatureRequired(rec, FeatureRequiredResponse{
		Message:      "This feature (Vector Embeddings) requires a Pro license or higher.",
		Feature:      FeatureVectorEmbeddings,
		RequiredTier: TierPro,
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body FeatureRequiredResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "feature_not_licensed" || body.RequiredTier != TierPro {
		t.Fatalf("unexpected body: %+v", body)
	}
}
