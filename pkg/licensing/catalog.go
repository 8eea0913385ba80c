package licensing

var defaultGroups = []Group{
	{ID: "core", Name: "Core Features", Description: "Essential search functionality", Priority: 10},
	{ID: "advanced_search", Name: "Advanced Search", Description: "Enhanced search capabilities", Priority: 9},
	{ID: "analytics", Name: "Analytics", Description: "Usage tracking and reporting", Priority: 8},
	{ID: "performance", Name: "Performance", Description: "Speed and optimization features", Priority: 8},
	{ID: "security", Name: "Security", Description: "Security and protection features", Priority: 10},
	{ID: "ui", Name: "User Interface", Description: "Design and user experience", Priority: 7},
	{ID: "integrations", Name: "Integrations", Description: "Third-party integrations", Priority: 7},
	{ID: "automation", Name: "Automation", Description: "AI automation and agents", Priority: 9},
	{ID: "reseller", Name: "Reseller Tools", Description: "Agency and reseller features", Priority: 8},
	{ID: "licensing", Name: "Licensing", Description: "License management features", Priority: 9},
	{ID: "branding", Name: "Branding", Description: "Customization and branding", Priority: 6},
	{ID: "support", Name: "Support", Description: "Support and services", Priority: 5},
}

func feature(id, name, description string, tier Tier, group string, priority int) Descriptor {
	return Descriptor{ID: id, FeatureConfig: FeatureConfig{
		Name:         name,
		Description:  description,
		RequiredTier: tier,
		Group:        group,
		Priority:     priority,
	}}
}

var defaultCatalog = []Descriptor{
	feature(FeatureAPIEndpoint, "REST API Endpoint", "Natural language query REST API endpoint", TierFree, "core", 10),
	feature(FeatureSearchShortcode, "Search Shortcode", "Frontend search embed for natural language queries", TierFree, "core", 10),
	feature(FeatureAdminInterface, "Admin Interface", "Settings and management interface", TierFree, "core", 10),
	feature(FeatureSchemaOrgResponses, "Schema.org Responses", "Structured data responses compatible with AI agents", TierFree, "core", 10),
	feature(FeatureQueryEnhancement, "Query Enhancement", "Enhanced query processing for natural language", TierFree, "core", 10),
	feature(FeatureBasicCaching, "Basic Caching", "Short-lived response caching for improved performance", TierFree, "performance", 8),
	feature(FeatureSecurityFeatures, "Security Features", "Input sanitization, rate limiting, and CORS protection", TierFree, "security", 10),
	feature(FeatureMobileResponsive, "Mobile Responsive", "Responsive design optimized for mobile devices", TierFree, "ui", 7),

	feature(FeatureVectorEmbeddings, "Vector Embeddings", "Semantic search using vector embeddings and similarity scoring", TierPro, "advanced_search", 9),
	feature(FeatureAnalyticsDashboard, "Analytics Dashboard", "Search analytics, usage statistics, and performance metrics", TierPro, "analytics", 8),
	feature(FeatureAdvancedFiltering, "Advanced Filtering", "Custom filters, faceted search, and advanced query options", TierPro, "advanced_search", 8),
	feature(FeatureCustomTemplates, "Custom Templates", "Customizable search result templates and layouts", TierPro, "ui", 6),
	feature(FeaturePrioritySupport, "Priority Support", "Priority email support and documentation access", TierPro, "support", 5),

	feature(FeatureRealtimeSuggestions, "Real-time Suggestions", "Live search suggestions and auto-completion", TierEnterprise, "advanced_search", 9),
	feature(FeatureAdvancedAnalytics, "Advanced Analytics", "Detailed analytics with user behavior tracking and reports", TierEnterprise, "analytics", 8),
	feature(FeatureMultisiteLicenses, "Multi-site Licenses", "License management across multisite networks", TierEnterprise, "licensing", 9),
	feature(FeatureCustomIntegrations, "Custom Integrations", "Custom API integrations and third-party connectors", TierEnterprise, "integrations", 7),
	feature(FeatureWhiteLabel, "White Label", "Remove product branding and customize interface", TierEnterprise, "branding", 6),

	feature(FeatureAutomationAgents, "Automation Agents", "AI-powered content automation and workflow agents", TierAgency, "automation", 10),
	feature(FeatureResellerManagement, "Reseller Management", "Client management and sub-license creation tools", TierAgency, "reseller", 9),
	feature(FeatureClientDashboard, "Client Dashboard", "Dedicated dashboard for managing multiple client sites", TierAgency, "reseller", 8),
	feature(FeatureBulkOperations, "Bulk Operations", "Bulk configuration and management across multiple sites", TierAgency, "reseller", 7),
	feature(FeatureCustomDevelopment, "Custom Development", "Custom feature development and implementation services", TierAgency, "support", 8),
}
