// Package address turns IP literals from inventory into named firewall
// address records.
package address

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Normalize trims whitespace and strips a host "/32" suffix from IPv4 literals.
func Normalize(literal string) string {
	literal = strings.TrimSpace(literal)
	if host, ok := strings.CutSuffix(literal, "/32"); ok && !strings.Contains(host, ":") {
		return host
	}
	return literal
}

// VersionOf classifies a literal by syntax: anything containing a colon is IPv6.
func VersionOf(literal string) domain.Version {
	if strings.Contains(literal, ":") {
		return domain.V6
	}
	return domain.V4
}

// IsRange reports whether literal is a hyphenated range.
func IsRange(literal string) bool {
	return strings.Contains(literal, "-")
}

// IsLinkLocal reports whether literal is a link-local unicast address or
// network. Any CIDR suffix is stripped first; ranges are never link-local.
func IsLinkLocal(literal string) bool {
	if IsRange(literal) {
		return false
	}
	host, _, _ := strings.Cut(literal, "/")
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	return addr.IsLinkLocalUnicast()
}

// Clean normalizes, deduplicates and sorts literals and drops link-local
// addresses.
func Clean(literals []string) []string {
	seen := make(map[string]bool, len(literals))
	out := make([]string, 0, len(literals))
	for _, l := range literals {
		l = Normalize(l)
		if l == "" || seen[l] || IsLinkLocal(l) {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}
