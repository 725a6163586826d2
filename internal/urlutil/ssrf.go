// Package urlutil validates render targets before any network activity.
// A rejected URL must never reach the renderer, the cache, or DNS beyond
// the resolution performed here.
package urlutil

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateRanges contains all private and reserved IP ranges that should be blocked
// to prevent SSRF attacks.
var privateRanges []*net.IPNet

func init() {
	cidrs := []string{
		// IPv4
		"127.0.0.0/8",    // loopback
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"169.254.0.0/16", // link-local
		"100.64.0.0/10",  // CGNAT (RFC 6598)
		"0.0.0.0/8",      // "this" network
		"224.0.0.0/4",    // multicast

		// IPv6
		"::1/128",   // loopback
		"fe80::/10", // link-local
		"fc00::/7",  // unique local
		"ff00::/8",  // multicast
	}

	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in SSRF private ranges: %s", cidr))
		}
		privateRanges = append(privateRanges, ipNet)
	}
}

// IsPrivateIP returns true if the given IP belongs to a private or reserved range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateHostNotPrivateIP checks if a hostname is a private IP literal.
// It does NOT perform DNS resolution -- only rejects IP addresses that parse
// directly to private ranges. Domain names pass through (use a Guard for full
// resolution-based protection).
func ValidateHostNotPrivateIP(hostname string) error {
	ip := net.ParseIP(hostname)
	if ip == nil {
		// Not an IP literal (could be a domain name); allow it through
		return nil
	}

	if IsPrivateIP(ip) {
		return fmt.Errorf("hostname resolves to private/reserved IP address: %s", hostname)
	}
	return nil
}

// Resolver is the subset of net.Resolver used by the guard. Satisfied by
// *net.Resolver; replaceable in tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates candidate render targets against SSRF.
type Guard struct {
	resolver Resolver
}

// NewGuard returns a Guard backed by the default system resolver.
func NewGuard() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

// NewGuardWithResolver returns a Guard with a custom resolver (tests).
func NewGuardWithResolver(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// ValidateTarget checks that rawURL is a safe, externally-routable http(s)
// target. It rejects non-http schemes, localhost aliases, private IP
// literals, and hostnames whose DNS resolution yields any private or
// reserved address. Returns the parsed URL on success.
func (g *Guard) ValidateTarget(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("URL has no host")
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return nil, fmt.Errorf("hostname %q is a localhost alias", hostname)
	}

	// IP literal: check directly, no DNS needed
	if ip := net.ParseIP(hostname); ip != nil {
		if IsPrivateIP(ip) {
			return nil, fmt.Errorf("IP address %s is in a private/reserved range", ip)
		}
		return u, nil
	}

	// Domain name: every resolved address must be routable. A single private
	// answer rejects the whole target (DNS rebinding defense).
	addrs, err := g.resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", hostname, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("DNS resolution returned no addresses for %q", hostname)
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr.IP) {
			return nil, fmt.Errorf("hostname %q resolves to private/reserved IP %s", hostname, addr.IP)
		}
	}

	return u, nil
}
