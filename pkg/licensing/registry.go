package licensing

import (
	"sort"
	"strings"
)

const (
	DefaultGroup    = "core"
	DefaultPriority = 5
)

// FeatureConfig is the registration payload for a feature.
type FeatureConfig struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	RequiredTier Tier     `json:"required_tier,omitempty"`
	Group        string   `json:"group,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Conflicts    []string `json:"conflicts,omitempty"`
}

// Descriptor is a registered feature.
type Descriptor struct {
	ID string `json:"id"`
	FeatureConfig
}

// Group is a display grouping of features.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// FeatureProvider lets an external collaborator contribute features. Providers
// are enumerated once, when the registry is built.
type FeatureProvider interface {
	Features() map[string]FeatureConfig
}

// FeatureProviderFunc adapts a function to FeatureProvider.
type FeatureProviderFunc func() map[string]FeatureConfig

// Features implements FeatureProvider.
func (f FeatureProviderFunc) Features() map[string]FeatureConfig { return f() }

// Builder collects feature registrations before the registry is frozen.
type Builder struct {
	features  map[string]Descriptor
	groups    map[string]Group
	providers []FeatureProvider
	rejected  []string
}

// NewBuilder returns an empty builder with the default group table.
func NewBuilder() *Builder {
	b := &Builder{
		features: make(map[string]Descriptor),
		groups:   make(map[string]Group, len(defaultGroups)),
	}
	for _, g := range defaultGroups {
		b.groups[g.ID] = g
	}
	return b
}

// NewDefaultBuilder returns a builder seeded with the built-in feature catalog.
func NewDefaultBuilder() *Builder {
	b := NewBuilder()
	for _, d := range defaultCatalog {
		b.Register(d.ID, d.FeatureConfig)
	}
	return b
}

// Register adds a feature. It returns false for nameless, duplicate, or
// unknown-tier registrations.
func (b *Builder) Register(id string, cfg FeatureConfig) bool {
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(cfg.Name) == "" {
		b.rejected = append(b.rejected, id)
		return false
	}
	if _, exists := b.features[id]; exists {
		b.rejected = append(b.rejected, id)
		return false
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = TierFree
	}
	tier, ok := ParseTier(string(cfg.RequiredTier))
	if !ok {
		b.rejected = append(b.rejected, id)
		return false
	}
	cfg.RequiredTier = tier
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	cfg.Dependencies = append([]string(nil), cfg.Dependencies...)
	cfg.Conflicts = append([]string(nil), cfg.Conflicts...)

	b.features[id] = Descriptor{ID: id, FeatureConfig: cfg}
	return true
}

// RegisterGroup adds or replaces a display group.
func (b *Builder) RegisterGroup(g Group) {
	if strings.TrimSpace(g.ID) == "" {
		return
	}
	b.groups[g.ID] = g
}

// AddProvider queues a provider whose features are registered on Build.
func (b *Builder) AddProvider(p FeatureProvider) {
	if p != nil {
		b.providers = append(b.providers, p)
	}
}

// Build registers provider features and returns the immutable registry.
func (b *Builder) Build() *Registry {
	for _, p := range b.providers {
		provided := p.Features()
		ids := make([]string, 0, len(provided))
		for id := range provided {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b.Register(id, provided[id])
		}
	}

	r := &Registry{
		features: make(map[string]Descriptor, len(b.features)),
		groups:   make(map[string]Group, len(b.groups)),
		byTier:   make(map[Tier][]string, len(orderedTiers)),
		rejected: append([]string(nil), b.rejected...),
	}
	for id, d := range b.features {
		r.features[id] = d
	}
	for id, g := range b.groups {
		r.groups[id] = g
	}

	var cumulative []string
	for _, tier := range orderedTiers {
		for id, d := range r.features {
			if d.RequiredTier == tier {
				cumulative = append(cumulative, id)
			}
		}
		r.byTier[tier] = sortedCopy(cumulative)
	}
	return r
}

// Registry is the immutable feature table shared by the gate and validator.
type Registry struct {
	features map[string]Descriptor
	groups   map[string]Group
	byTier   map[Tier][]string
	rejected []string
}

// Feature returns the descriptor for id.
func (r *Registry) Feature(id string) (Descriptor, bool) {
	d, ok := r.features[id]
	if !ok {
		return Descriptor{}, false
	}
	return copyDescriptor(d), true
}

// IsRegistered reports whether id is known.
func (r *Registry) IsRegistered(id string) bool {
	_, ok := r.features[id]
	return ok
}

// RequiredTier returns the minimum tier for feature.
func (r *Registry) RequiredTier(feature string) (Tier, bool) {
	d, ok := r.features[feature]
	if !ok {
		return "", false
	}
	return d.RequiredTier, true
}

// IsFree reports whether feature is available on the free tier.
func (r *Registry) IsFree(feature string) bool {
	tier, ok := r.RequiredTier(feature)
	return ok && tier == TierFree
}

// TierFeatures returns the cumulative feature set of tier: its own features
// plus those of every lower tier. Unknown tiers get nothing.
func (r *Registry) TierFeatures(tier Tier) []string {
	return append([]string(nil), r.byTier[tier]...)
}

// HasFeatureAccess reports whether tier includes feature.
func (r *Registry) HasFeatureAccess(tier Tier, feature string) bool {
	required, ok := r.RequiredTier(feature)
	if !ok {
		return false
	}
	return tier.AtLeast(required)
}

// All returns every descriptor ordered by tier rank, then id.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.features))
	for _, d := range r.features {
		out = append(out, copyDescriptor(d))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].RequiredTier.Rank(), out[j].RequiredTier.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FeaturesByGroup returns the group's features, highest priority first.
func (r *Registry) FeaturesByGroup(group string) []Descriptor {
	var out []Descriptor
	for _, d := range r.features {
		if d.Group == group {
			out = append(out, copyDescriptor(d))
		}
	}
	sortByPriority(out)
	return out
}

// FeaturesByTier returns the features whose minimum tier is exactly tier.
func (r *Registry) FeaturesByTier(tier Tier) []Descriptor {
	var out []Descriptor
	for _, d := range r.features {
		if d.RequiredTier == tier {
			out = append(out, copyDescriptor(d))
		}
	}
	sortByPriority(out)
	return out
}

// Groups returns the group table, highest priority first.
func (r *Registry) Groups() []Group {
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rejected lists registrations refused while building (empty or duplicate ids,
// missing names, unknown tiers).
func (r *Registry) Rejected() []string {
	return append([]string(nil), r.rejected...)
}

func sortByPriority(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority > ds[j].Priority
		}
		return ds[i].ID < ds[j].ID
	})
}

func copyDescriptor(d Descriptor) Descriptor {
	d.Dependencies = append([]string(nil), d.Dependencies...)
	d.Conflicts = append([]string(nil), d.Conflicts...)
	return d
}
