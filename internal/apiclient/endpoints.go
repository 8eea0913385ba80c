package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/rcourtman/pulse-licensing/internal/errors"
)

// Remote paths that are not owned by the validator or addon manager.
const (
	HealthPath       = "/health"
	StatusPath       = "/status"
	RegisterSitePath = "/v1/sites/register"
)

// HealthStatus is the liveness probe payload.
type HealthStatus struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	// ResponseTimeMS is filled locally from the client's timing.
	ResponseTimeMS int64 `json:"response_time_ms"`
}

// SiteInfo describes the installation when registering with the server.
type SiteInfo struct {
	SiteURL       string `json:"site_url"`
	SiteName      string `json:"site_name,omitempty"`
	AdminEmail    string `json:"admin_email,omitempty"`
	PluginVersion string `json:"plugin_version,omitempty"`
	Platform      string `json:"platform,omitempty"`
}

// Registration is returned by RegisterSite.
type Registration struct {
	APIKey string `json:"api_key"`
	SiteID string `json:"site_id"`
}

// Health probes the server without authentication.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	if err := c.DoJSON(ctx, Request{Method: http.MethodGet, Path: HealthPath, Anonymous: true}, &status); err != nil {
		return HealthStatus{}, err
	}
	if status.Status == "" {
		status.Status = "ok"
	}
	status.ResponseTimeMS = c.LastResponseTime().Milliseconds()
	return status, nil
}

// ServerStatus returns the raw server status document without authentication.
func (c *Client) ServerStatus(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := c.DoJSON(ctx, Request{Method: http.MethodGet, Path: StatusPath, Anonymous: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterSite registers this installation and returns its API key. The caller
// is responsible for persisting the result.
func (c *Client) RegisterSite(ctx context.Context, info SiteInfo) (Registration, error) {
	if info.SiteURL == "" {
		info.SiteURL = c.siteURL
	}
	if info.SiteURL == "" {
		return Registration{}, apperrors.InvalidInput("register_site", "site URL is required")
	}

	var reg Registration
	req := Request{Method: http.MethodPost, Path: RegisterSitePath, Body: info}
	if err := c.DoJSON(ctx, req, &reg); err != nil {
		return Registration{}, err
	}
	if reg.APIKey == "" {
		return Registration{}, apperrors.Malformed(opName(req), fmt.Errorf("registration response has no api_key"))
	}
	return reg, nil
}
