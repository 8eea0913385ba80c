package licensing

import (
	"net/url"
	"strings"
)

// DefaultPricingURL is used when no pricing page is configured.
const DefaultPricingURL = "https://pulserelay.pro/pricing/"

// UpgradeURLForTier returns the pricing page link for tier with upgrade-funnel
// tracking parameters. feature is optional.
func UpgradeURLForTier(base string, tier Tier, feature string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultPricingURL
	}
	u, err := url.Parse(base)
	if err != nil {
		u, _ = url.Parse(DefaultPricingURL)
	}

	q := u.Query()
	q.Set("tier", string(tier))
	q.Set("utm_source", "plugin")
	q.Set("utm_medium", "upgrade_prompt")
	q.Set("utm_campaign", "feature_gate")
	if feature != "" {
		q.Set("feature", feature)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// UpgradeMessage is the user-facing sentence shown when feature needs tier.
func UpgradeMessage(featureName string, tier Tier) string {
	return "Upgrade to " + tier.DisplayName() + " to unlock " + featureName + "."
}
