// Package licensing defines the shared feature and tier contracts.
//
// It is public so host plugins can supply FeatureProviders and read the tier
// matrix without importing internal packages.
package licensing

import (
	"sort"
	"strings"
)

// Feature constants represent the built-in gated features.
const (
	// Free tier features
	FeatureAPIEndpoint        = "api_endpoint"
	FeatureSearchShortcode    = "search_shortcode"
	FeatureAdminInterface     = "admin_interface"
	FeatureSchemaOrgResponses = "schema_org_responses"
	FeatureQueryEnhancement   = "query_enhancement"
	FeatureBasicCaching       = "basic_caching"
	FeatureSecurityFeatures   = "security_features"
	FeatureMobileResponsive   = "mobile_responsive"

	// Pro tier features (everything in Free, plus:)
	FeatureVectorEmbeddings   = "vector_embeddings"
	FeatureAnalyticsDashboard = "analytics_dashboard"
	FeatureAdvancedFiltering  = "advanced_filtering"
	FeatureCustomTemplates    = "custom_templates"
	FeaturePrioritySupport    = "priority_support"

	// Enterprise tier features (everything in Pro, plus:)
	FeatureRealtimeSuggestions = "realtime_suggestions"
	FeatureAdvancedAnalytics   = "advanced_analytics"
	FeatureMultisiteLicenses   = "multisite_licenses"
	FeatureCustomIntegrations  = "custom_integrations"
	FeatureWhiteLabel          = "white_label"

	// Agency tier features (everything in Enterprise, plus:)
	FeatureAutomationAgents   = "automation_agents"
	FeatureResellerManagement = "reseller_management"
	FeatureClientDashboard    = "client_dashboard"
	FeatureBulkOperations     = "bulk_operations"
	FeatureCustomDevelopment  = "custom_development"
)

// Tier represents a license tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAgency     Tier = "agency"
)

// orderedTiers lists tiers from lowest to highest rank.
var orderedTiers = []Tier{TierFree, TierPro, TierEnterprise, TierAgency}

// Tiers returns all tiers in rank order.
func Tiers() []Tier {
	out := make([]Tier, len(orderedTiers))
	copy(out, orderedTiers)
	return out
}

// ParseTier normalizes s into a known tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Rank returns the position of t in the tier order, or -1 for unknown tiers.
func (t Tier) Rank() int {
	for i, tier := range orderedTiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// AtLeast reports whether t ranks at or above min. Unknown tiers never qualify.
func (t Tier) AtLeast(min Tier) bool {
	r, m := t.Rank(), min.Rank()
	return r >= 0 && m >= 0 && r >= m
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierFree:
		return "Free"
	case TierPro:
		return "Pro"
	case TierEnterprise:
		return "Enterprise"
	case TierAgency:
		return "Agency"
	default:
		return "Unknown"
	}
}

// UpgradeTier returns the next tier above t.
func UpgradeTier(t Tier) (Tier, bool) {
	r := t.Rank()
	if r < 0 || r == len(orderedTiers)-1 {
		return "", false
	}
	return orderedTiers[r+1], true
}

// DowngradeTier returns the next tier below t.
func DowngradeTier(t Tier) (Tier, bool) {
	r := t.Rank()
	if r <= 0 {
		return "", false
	}
	return orderedTiers[r-1], true
}

// Limits describes the usage allowances of a tier.
type Limits struct {
	SitesLimit    int    `json:"sites_limit"`
	APICallsMonth int    `json:"api_calls_month"`
	StorageMB     int    `json:"storage_mb"`
	SupportLevel  string `json:"support_level"`
}

// TierLimits defines usage allowances per tier.
var TierLimits = map[Tier]Limits{
	TierFree:       {SitesLimit: 1, APICallsMonth: 1000, StorageMB: 10, SupportLevel: "community"},
	TierPro:        {SitesLimit: 1, APICallsMonth: 10000, StorageMB: 100, SupportLevel: "priority"},
	TierEnterprise: {SitesLimit: 100, APICallsMonth: 100000, StorageMB: 1000, SupportLevel: "dedicated"},
	TierAgency:     {SitesLimit: 1000, APICallsMonth: 1000000, StorageMB: 10000, SupportLevel: "white_glove"},
}

// Pricing is the list price of a tier.
type Pricing struct {
	MonthlyUSD int    `json:"price"`
	Currency   string `json:"currency"`
	Billing    string `json:"billing"`
}

// TierPricing defines list prices per tier.
var TierPricing = map[Tier]Pricing{
	TierFree:       {MonthlyUSD: 0, Currency: "USD", Billing: "monthly"},
	TierPro:        {MonthlyUSD: 29, Currency: "USD", Billing: "monthly"},
	TierEnterprise: {MonthlyUSD: 99, Currency: "USD", Billing: "monthly"},
	TierAgency:     {MonthlyUSD: 299, Currency: "USD", Billing: "monthly"},
}

// SupportsMultisite reports whether t allows more than one site.
func SupportsMultisite(t Tier) bool {
	return TierLimits[t].SitesLimit > 1
}

// freeFeatures are the base capabilities available to all installations.
var freeFeatures = []string{
	FeatureAPIEndpoint,
	FeatureSearchShortcode,
	FeatureAdminInterface,
	FeatureSchemaOrgResponses,
	FeatureQueryEnhancement,
	FeatureBasicCaching,
	FeatureSecurityFeatures,
	FeatureMobileResponsive,
}

var proFeatures = appendFeatures(freeFeatures,
	FeatureVectorEmbeddings,
	FeatureAnalyticsDashboard,
	FeatureAdvancedFiltering,
	FeatureCustomTemplates,
	FeaturePrioritySupport,
)

var enterpriseFeatures = appendFeatures(proFeatures,
	FeatureRealtimeSuggestions,
	FeatureAdvancedAnalytics,
	FeatureMultisiteLicenses,
	FeatureCustomIntegrations,
	FeatureWhiteLabel,
)

var agencyFeatures = appendFeatures(enterpriseFeatures,
	FeatureAutomationAgents,
	FeatureResellerManagement,
	FeatureClientDashboard,
	FeatureBulkOperations,
	FeatureCustomDevelopment,
)

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// TierFeatures maps each tier to the built-in features it includes.
// Plugin-provided features are resolved through a Registry instead.
var TierFeatures = map[Tier][]string{
	TierFree:       freeFeatures,
	TierPro:        proFeatures,
	TierEnterprise: enterpriseFeatures,
	TierAgency:     agencyFeatures,
}

// TierHasFeature checks if a tier includes a specific built-in feature.
func TierHasFeature(tier Tier, feature string) bool {
	for _, f := range TierFeatures[tier] {
		if f == feature {
			return true
		}
	}
	return false
}

// sortedCopy returns the features sorted without touching the input.
func sortedCopy(features []string) []string {
	out := make([]string, len(features))
	copy(out, features)
	sort.Strings(out)
	return out
}
