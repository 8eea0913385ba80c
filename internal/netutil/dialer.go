package netutil

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
)

// DefaultRefreshInterval is how often cached DNS answers are refreshed.
const DefaultRefreshInterval = 5 * time.Minute

// Resolver caches DNS lookups for the licensing server so that frequent feature
// checks do not each cost a resolver round-trip.
type Resolver struct {
	cache   *dnscache.Resolver
	refresh time.Duration
	dialer  *net.Dialer
	logger  zerolog.Logger
}

// NewResolver creates a caching resolver. A non-positive refresh uses the default.
func NewResolver(refresh time.Duration, logger zerolog.Logger) *Resolver {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	return &Resolver{
		cache:   &dnscache.Resolver{},
		refresh: refresh,
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		logger: logger,
	}
}

// Run refreshes cached entries until ctx is cancelled. Entries unused since the
// previous refresh are dropped.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	r.logger.Debug().Dur("interval", r.refresh).Msg("DNS cache refresh loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.cache.Refresh(true)
			r.logger.Debug().Msg("DNS cache refreshed")
		}
	}
}

// DialContext resolves address through the cache and dials the first reachable IP.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return r.dialer.DialContext(ctx, network, address)
	}

	ips, err := r.cache.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// NewHTTPClient returns a client whose transport dials through r. A nil r uses
// the default dialer.
func NewHTTPClient(timeout time.Duration, r *Resolver) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	if r != nil {
		transport.DialContext = r.DialContext
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
