package addons

import (
	"sort"

	"github.com/rcourtman/pulse-licensing/pkg/licensing"
)

// Type distinguishes binary addons from metered ones.
type Type string

const (
	TypeFeatureBased Type = "feature_based"
	TypeCreditBased  Type = "credit_based"
)

const (
	AddonAutomationAgents    = "automation_agents"
	AddonAIContentGeneration = "ai_content_generation"
	AddonAdvancedAnalytics   = "advanced_analytics"
)

// Addon describes an independently licensed module.
type Addon struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	RequiredTier licensing.Tier `json:"required_tier"`
	Type         Type           `json:"type"`
	Features     []string       `json:"features,omitempty"`
	CreditCosts  map[string]int `json:"credit_cost,omitempty"`
}

// CreditBased reports whether the addon meters usage.
func (a Addon) CreditBased() bool {
	return a.Type == TypeCreditBased
}

// Cost returns the table cost of operation.
func (a Addon) Cost(operation string) (int, bool) {
	cost, ok := a.CreditCosts[operation]
	return cost, ok
}

func (a Addon) clone() Addon {
	out := a
	out.Features = append([]string(nil), a.Features...)
	if a.CreditCosts != nil {
		out.CreditCosts = make(map[string]int, len(a.CreditCosts))
		for op, cost := range a.CreditCosts {
			out.CreditCosts[op] = cost
		}
	}
	return out
}

// DefaultCatalog returns the built-in addons.
func DefaultCatalog() []Addon {
	return []Addon{
		{
			ID:           AddonAutomationAgents,
			Name:         "Automation Agents",
			Description:  "AI-powered content automation and bulk operations",
			RequiredTier: licensing.TierPro,
			Type:         TypeCreditBased,
			Features:     []string{"content_automation", "bulk_operations", "workflow_triggers"},
			CreditCosts: map[string]int{
				"content_generation": 10,
				"bulk_operation":     5,
				"workflow_trigger":   2,
			},
		},
		{
			ID:           AddonAIContentGeneration,
			Name:         "AI Content Generation",
			Description:  "Advanced AI content writing and SEO optimization",
			RequiredTier: licensing.TierPro,
			Type:         TypeCreditBased,
			Features:     []string{"ai_writing", "seo_optimization", "content_enhancement"},
			CreditCosts: map[string]int{
				"generate_post":    25,
				"seo_optimization": 15,
				"content_rewrite":  20,
			},
		},
		{
			ID:           AddonAdvancedAnalytics,
			Name:         "Advanced Analytics Pro",
			Description:  "Custom reports, data export, and advanced insights",
			RequiredTier: licensing.TierPro,
			Type:         TypeFeatureBased,
			Features:     []string{"custom_reports", "data_export", "advanced_insights", "real_time_analytics"},
		},
	}
}

type catalog struct {
	byID map[string]Addon
	ids  []string
}

func newCatalog(addons []Addon) catalog {
	c := catalog{byID: make(map[string]Addon, len(addons))}
	for _, a := range addons {
		if a.ID == "" {
			continue
		}
		if a.RequiredTier == "" {
			a.RequiredTier = licensing.TierPro
		}
		if a.Type == "" {
			a.Type = TypeFeatureBased
		}
		if _, dup := c.byID[a.ID]; !dup {
			c.ids = append(c.ids, a.ID)
		}
		c.byID[a.ID] = a.clone()
	}
	sort.Strings(c.ids)
	return c
}

func (c catalog) get(id string) (Addon, bool) {
	a, ok := c.byID[id]
	if !ok {
		return Addon{}, false
	}
	return a.clone(), true
}
