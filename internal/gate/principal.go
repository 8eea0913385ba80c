package gate

import (
	"context"
	"strings"
)

// DefaultCapabilityPrefix namespaces the per-feature capabilities.
const DefaultCapabilityPrefix = "pulse"

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// WithPrincipal adds the acting principal to the context.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, principal)
}

// PrincipalFromContext extracts the principal from the context.
func PrincipalFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(contextKeyPrincipal).(string); ok {
		return p
	}
	return ""
}

// CapabilityChecker answers whether a principal holds a local capability.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, principal, capability string) bool
}

// CapabilityFunc adapts a function to CapabilityChecker.
type CapabilityFunc func(ctx context.Context, principal, capability string) bool

func (f CapabilityFunc) HasCapability(ctx context.Context, principal, capability string) bool {
	return f(ctx, principal, capability)
}

// AllowAll grants every capability. Used when the host does no local checks.
type AllowAll struct{}

func (AllowAll) HasCapability(context.Context, string, string) bool { return true }

// StaticCapabilities grants capabilities from a fixed principal table. The
// "*" capability grants everything to that principal.
type StaticCapabilities map[string][]string

func (s StaticCapabilities) HasCapability(_ context.Context, principal, capability string) bool {
	for _, c := range s[principal] {
		if c == "*" || c == capability {
			return true
		}
	}
	return false
}

// CapabilityName returns the capability guarding feature.
func CapabilityName(prefix, feature string) string {
	if prefix == "" {
		prefix = DefaultCapabilityPrefix
	}
	return strings.TrimSuffix(prefix, "_") + "_" + feature
}
