package license

import (
	"net"
	"net/url"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// NormalizeDomain reduces a URL or host to a lower-case host name without port.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			raw = u.Host
		}
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	return strings.TrimSuffix(raw, ".")
}

// DomainAllowed reports whether domain is bound to the license. An empty
// allow list permits any domain. Entries match exactly or as "*.suffix",
// which covers suffix itself and every subdomain of it.
func DomainAllowed(domain string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	domain = NormalizeDomain(domain)
	if domain == "" {
		return false
	}
	for _, entry := range allowed {
		if domainMatches(domain, entry) {
			return true
		}
	}
	return false
}

func domainMatches(domain, entry string) bool {
	pattern := strings.TrimSpace(strings.ToLower(entry))
	if strings.HasPrefix(pattern, "*.") {
		base := NormalizeDomain(pattern[2:])
		if base == "" {
			return false
		}
		return domain == base || wildcard.Match("*."+base, domain)
	}
	return domain == NormalizeDomain(pattern)
}
