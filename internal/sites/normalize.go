// Package sites implements tracked-site management and the daily time
// ledger: domain normalization, time budgets with lazy daily resets,
// blocked-at-zero semantics, and the read-time virtual reset.
package sites

import (
	"net/url"
	"strings"
)

// NormalizeDomain canonicalizes a raw URL or domain string to a bare
// lowercase host: scheme, "www." prefixes, port, path, and query are
// stripped. Malformed input falls back to the lowercased raw string so
// the composite site key stays deterministic for the same input.
// Normalizing an already-normalized value returns it unchanged.
func NormalizeDomain(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return s
	}

	withScheme := s
	if !strings.Contains(withScheme, "://") {
		withScheme = "http://" + withScheme
	}

	u, err := url.Parse(withScheme)
	if err != nil || u.Hostname() == "" {
		return s
	}

	host := u.Hostname()
	for strings.HasPrefix(host, "www.") {
		host = host[len("www."):]
	}
	// Hosts that parsing mangled (port-stripping on junk like "::bad::")
	// would re-normalize to something else, so keep the raw form instead.
	if !plausibleHost(host) {
		return s
	}
	return host
}

// plausibleHost reports whether host looks like a domain name: non-empty,
// lowercase letters, digits, dots, and hyphens only.
func plausibleHost(host string) bool {
	if host == "" {
		return false
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}

// SiteID builds the deterministic composite key for a (user, domain) pair.
// All read and write paths go through this so the same pair always resolves
// to the same record.
func SiteID(userID, domain string) string {
	return userID + "_" + NormalizeDomain(domain)
}
