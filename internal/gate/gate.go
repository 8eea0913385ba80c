package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcourtman/pulse-licensing/internal/license"
	"github.com/rcourtman/pulse-licensing/internal/metrics"
	"github.com/rcourtman/pulse-licensing/internal/store"
	"github.com/rcourtman/pulse-licensing/pkg/licensing"
	"github.com/rs/zerolog"
)

const (
	DefaultDenialLogSize = 100
	RecentDenialWindow   = 7 * 24 * time.Hour

	ReasonCapabilityMissing = "capability_missing"
)

// Validator supplies the remote access truth.
type Validator interface {
	ValidateFeatureAccess(ctx context.Context, feature, scope string) license.Decision
}

// DenialLog persists denial events.
type DenialLog interface {
	AppendDenial(ctx context.Context, ev store.DenialEvent, keep int) error
	RecentDenials(ctx context.Context, limit int) ([]store.DenialEvent, error)
}

// Decision is one gate answer for a (feature, principal) pair.
type Decision struct {
	Feature      string         `json:"feature"`
	Principal    string         `json:"principal,omitempty"`
	Granted      bool           `json:"granted"`
	Reason       string         `json:"reason"`
	State        license.State  `json:"state,omitempty"`
	CurrentTier  licensing.Tier `json:"current_tier"`
	RequiredTier licensing.Tier `json:"required_tier"`
	At           time.Time      `json:"timestamp"`
}

// Confirmed reports whether a denial is authoritative. Denials caused by an
// outage or local throttling are not.
func (d Decision) Confirmed() bool {
	return d.State != license.StateServerError && d.State != license.StateRateLimited
}

// DecisionObserver is notified after every decision, in registration order.
type DecisionObserver interface {
	ObserveDecision(ctx context.Context, d Decision)
}

// DecisionObserverFunc adapts a function to DecisionObserver.
type DecisionObserverFunc func(ctx context.Context, d Decision)

func (f DecisionObserverFunc) ObserveDecision(ctx context.Context, d Decision) { f(ctx, d) }

// Config configures a Gate.
type Config struct {
	CapabilityPrefix string
	Checker          CapabilityChecker
	Observers        []DecisionObserver
	DenialLogSize    int
	PricingURL       string
	Logger           zerolog.Logger
	Metrics          *metrics.LicensingMetrics
	Now              func() time.Time
}

// Gate is the single decision point for feature access.
type Gate struct {
	validator Validator
	registry  *licensing.Registry
	denials   DenialLog
	checker   CapabilityChecker
	prefix    string
	keep      int
	pricing   string
	logger    zerolog.Logger
	metrics   *metrics.LicensingMetrics
	now       func() time.Time

	observersMu sync.RWMutex
	observers   []DecisionObserver
}

// New creates a gate. denials may be nil to disable the denial log.
func New(validator Validator, registry *licensing.Registry, denials DenialLog, cfg Config) *Gate {
	if cfg.Checker == nil {
		cfg.Checker = AllowAll{}
	}
	if cfg.CapabilityPrefix == "" {
		cfg.CapabilityPrefix = DefaultCapabilityPrefix
	}
	if cfg.DenialLogSize <= 0 {
		cfg.DenialLogSize = DefaultDenialLogSize
	}
	if cfg.PricingURL == "" {
		cfg.PricingURL = licensing.DefaultPricingURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if registry == nil {
		registry = licensing.NewDefaultBuilder().Build()
	}
	return &Gate{
		validator: validator,
		registry:  registry,
		denials:   denials,
		checker:   cfg.Checker,
		prefix:    cfg.CapabilityPrefix,
		keep:      cfg.DenialLogSize,
		pricing:   cfg.PricingURL,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		observers: append([]DecisionObserver(nil), cfg.Observers...),
	}
}

// AddObserver appends an observer.
func (g *Gate) AddObserver(o DecisionObserver) {
	if o == nil {
		return
	}
	g.observersMu.Lock()
	g.observers = append(g.observers, o)
	g.observersMu.Unlock()
}

// Registry returns the feature registry.
func (g *Gate) Registry() *licensing.Registry {
	return g.registry
}

// NewScope starts a request-lifetime scope. Denials are remembered within the
// scope only.
func (g *Gate) NewScope() *Scope {
	return &Scope{gate: g, denied: make(map[string]Decision)}
}

// CanAccess decides in a fresh scope.
func (g *Gate) CanAccess(ctx context.Context, feature, principal string) bool {
	return g.NewScope().CanAccess(ctx, feature, principal)
}

// RequireAccess decides in a fresh scope and returns *AccessDeniedError on denial.
func (g *Gate) RequireAccess(ctx context.Context, feature, principal string) error {
	return g.NewScope().RequireAccess(ctx, feature, principal)
}

// Decide decides in a fresh scope.
func (g *Gate) Decide(ctx context.Context, feature, principal string) Decision {
	return g.NewScope().Decide(ctx, feature, principal)
}

func (g *Gate) decide(ctx context.Context, feature, principal string) Decision {
	required, registered := g.registry.RequiredTier(feature)
	if !registered {
		required = licensing.TierFree
	}
	d := Decision{
		Feature:      feature,
		Principal:    principal,
		CurrentTier:  licensing.TierFree,
		RequiredTier: required,
		At:           g.now(),
	}

	if !g.checker.HasCapability(ctx, principal, CapabilityName(g.prefix, feature)) {
		d.Reason = ReasonCapabilityMissing
		return d
	}

	if registered && required == licensing.TierFree {
		d.Granted, d.Reason, d.State = true, license.ReasonFreeFeature, license.StateGranted
		return d
	}

	v := g.validator.ValidateFeatureAccess(ctx, feature, principal)
	d.Granted = v.Granted
	d.State = v.State
	d.Reason = v.Reason
	d.CurrentTier = v.Tier
	if !d.Granted && v.State == license.StateDenied && registered && !v.Tier.AtLeast(required) && d.Reason == license.ReasonDenied {
		d.Reason = license.ReasonTierTooLow
	}
	return d
}

func (g *Gate) finish(ctx context.Context, d Decision) {
	if !d.Granted {
		g.recordDenial(ctx, d)
	}

	g.observersMu.RLock()
	observers := append([]DecisionObserver(nil), g.observers...)
	g.observersMu.RUnlock()
	for _, o := range observers {
		o.ObserveDecision(ctx, d)
	}
}

func (g *Gate) recordDenial(ctx context.Context, d Decision) {
	if g.metrics != nil {
		g.metrics.RecordDenial(d.Feature, d.Reason)
	}
	if g.denials == nil {
		return
	}
	ev := store.DenialEvent{
		Feature:      d.Feature,
		Principal:    d.Principal,
		Reason:       d.Reason,
		CurrentTier:  string(d.CurrentTier),
		RequiredTier: string(d.RequiredTier),
		CreatedAt:    d.At,
	}
	if err := g.denials.AppendDenial(ctx, ev, g.keep); err != nil {
		g.logger.Warn().Err(err).Str("feature", d.Feature).Msg("Failed to record feature denial")
	}
}

// Scope caches denials for the lifetime of one request so that repeated checks
// within one operation do not re-query the validator.
type Scope struct {
	gate   *Gate
	mu     sync.Mutex
	denied map[string]Decision
}

// Decide returns the decision for feature and principal.
func (s *Scope) Decide(ctx context.Context, feature, principal string) Decision {
	key := feature + "\x00" + principal
	s.mu.Lock()
	if d, ok := s.denied[key]; ok {
		s.mu.Unlock()
		return d
	}
	s.mu.Unlock()

	d := s.gate.decide(ctx, feature, principal)
	if !d.Granted {
		s.mu.Lock()
		s.denied[key] = d
		s.mu.Unlock()
	}
	s.gate.finish(ctx, d)
	return d
}

// CanAccess reports whether principal may use feature.
func (s *Scope) CanAccess(ctx context.Context, feature, principal string) bool {
	return s.Decide(ctx, feature, principal).Granted
}

// RequireAccess returns nil when access is granted and *AccessDeniedError otherwise.
func (s *Scope) RequireAccess(ctx context.Context, feature, principal string) error {
	d := s.Decide(ctx, feature, principal)
	if d.Granted {
		return nil
	}
	return s.gate.deniedError(d)
}

// UpgradePrompt returns upgrade information for a confirmed denial. Outages,
// throttling and missing capabilities never produce a prompt.
func (g *Gate) UpgradePrompt(d Decision) (UpgradePrompt, bool) {
	if d.Granted || !d.Confirmed() || d.Reason == ReasonCapabilityMissing || d.Reason == license.ReasonDomainMismatch {
		return UpgradePrompt{}, false
	}
	if d.State != license.StateDenied && d.State != license.StateNoLicense {
		return UpgradePrompt{}, false
	}
	name := g.featureName(d.Feature)
	return UpgradePrompt{
		Feature:      d.Feature,
		FeatureName:  name,
		RequiredTier: d.RequiredTier,
		CurrentTier:  d.CurrentTier,
		Message:      licensing.UpgradeMessage(name, d.RequiredTier),
		UpgradeURL:   licensing.UpgradeURLForTier(g.pricing, d.RequiredTier, d.Feature),
		Pricing:      licensing.TierPricing[d.RequiredTier],
	}, true
}

// UpgradePrompt describes how to unlock a denied feature.
type UpgradePrompt struct {
	Feature      string            `json:"feature"`
	FeatureName  string            `json:"feature_name"`
	RequiredTier licensing.Tier    `json:"required_tier"`
	CurrentTier  licensing.Tier    `json:"current_tier"`
	Message      string            `json:"message"`
	UpgradeURL   string            `json:"upgrade_url"`
	Pricing      licensing.Pricing `json:"pricing"`
}

// AccessStats summarises the denial log.
type AccessStats struct {
	TotalDenials   int            `json:"total_denials"`
	FeaturesDenied map[string]int `json:"features_denied"`
	RecentDenials  int            `json:"recent_denials"`
}

// AccessStats aggregates the bounded denial log.
func (g *Gate) AccessStats(ctx context.Context) (AccessStats, error) {
	stats := AccessStats{FeaturesDenied: map[string]int{}}
	if g.denials == nil {
		return stats, nil
	}
	events, err := g.denials.RecentDenials(ctx, g.keep)
	if err != nil {
		return stats, fmt.Errorf("load denial log: %w", err)
	}
	cutoff := g.now().Add(-RecentDenialWindow)
	for _, ev := range events {
		stats.TotalDenials++
		stats.FeaturesDenied[ev.Feature]++
		if ev.CreatedAt.After(cutoff) {
			stats.RecentDenials++
		}
	}
	return stats, nil
}

// RecentDenials returns up to limit denial events, newest first.
func (g *Gate) RecentDenials(ctx context.Context, limit int) ([]store.DenialEvent, error) {
	if g.denials == nil {
		return nil, nil
	}
	if limit <= 0 || limit > g.keep {
		limit = g.keep
	}
	return g.denials.RecentDenials(ctx, limit)
}

func (g *Gate) featureName(feature string) string {
	if desc, ok := g.registry.Feature(feature); ok && desc.Name != "" {
		return desc.Name
	}
	return feature
}
