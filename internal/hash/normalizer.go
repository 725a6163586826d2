// Package hash produces stable cache fingerprints for render targets.
// Two URLs that differ only in query ordering, default ports, fragments,
// or redundant path segments map to the same fingerprint.
package hash

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type URLNormalizer struct {
	preserveFragment bool
	sortQuery        bool
}

func NewURLNormalizer() *URLNormalizer {
	return &URLNormalizer{
		preserveFragment: false, // Remove fragments by default
		sortQuery:        true,  // Sort query parameters
	}
}

// Normalize converts a URL to its canonical form.
func (n *URLNormalizer) Normalize(rawURL string) (string, error) {
	// Handle URLs without scheme by prepending https://
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "//") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	if u.Host == "" {
		return "", fmt.Errorf("invalid URL: missing host")
	}
	// Host should contain at least one dot (for domain.tld) OR be localhost
	hostname := u.Hostname()
	if !strings.Contains(hostname, ".") && hostname != "localhost" {
		return "", fmt.Errorf("invalid URL: invalid host '%s'", u.Host)
	}

	// Normalize scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ".")

	// Remove default ports
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	// Normalize path
	if u.Path == "" {
		u.Path = "/"
	}
	u.Path = normalizePath(u.Path)

	if n.sortQuery {
		u.RawQuery = NormalizeQuery(u.RawQuery)
	}

	if !n.preserveFragment {
		u.Fragment = ""
	}

	return u.String(), nil
}

// Fingerprint generates the XXHash64 of a normalized URL as a fixed-width
// 16-char hex string. Used as the cache key and durable object name.
func (n *URLNormalizer) Fingerprint(normalizedURL string) string {
	h := xxhash.Sum64String(normalizedURL)
	return fmt.Sprintf("%016x", h)
}

func normalizePath(path string) string {
	// Remove duplicate slashes
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	// Resolve relative paths
	parts := strings.Split(path, "/")
	var resolved []string

	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 && resolved[len(resolved)-1] != ".." {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if len(result) > 1 && strings.HasSuffix(path, "/") {
		result += "/"
	}

	return result
}

// NormalizeQuery sorts and normalizes URL query parameters for consistent ordering
// This ensures that URLs with the same query params in different order are treated identically
func NormalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery // Return original if parsing fails
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}

	return strings.Join(parts, "&")
}
