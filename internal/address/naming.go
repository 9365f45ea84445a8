package address

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/bcnelson/addrsync/internal/domain"
)

// hashLen is the number of hex digits kept from the content digest.
const hashLen = 16

// Namer assigns deterministic, length-bounded identifiers to address
// records and groups. The same inputs always produce the same name.
type Namer struct {
	V4Prefix      string
	V6Prefix      string
	V4GroupPrefix string
	V6GroupPrefix string
	MaxLength     int
}

// DefaultNamer returns a Namer with the stock prefixes and the firewall's
// identifier limit.
func DefaultNamer() Namer {
	return Namer{
		V4Prefix:      "addr4",
		V6Prefix:      "addr6",
		V4GroupPrefix: "grp4",
		V6GroupPrefix: "grp6",
		MaxLength:     domain.MaxNameLength,
	}
}

// Name is an assigned identifier.
type Name struct {
	Value  string
	Hashed bool
}

func (n Namer) maxLen() int {
	if n.MaxLength <= 0 || n.MaxLength > domain.MaxNameLength {
		return domain.MaxNameLength
	}
	return n.MaxLength
}

func (n Namer) prefix(v domain.Version) string {
	if v == domain.V6 {
		return n.V6Prefix
	}
	return n.V4Prefix
}

func (n Namer) groupPrefix(v domain.Version) string {
	if v == domain.V6 {
		return n.V6GroupPrefix
	}
	return n.V4GroupPrefix
}

// Member names an address owned by a group (or any non-VM owner):
// <prefix>_<manager>_<owner>_<literal>.
func (n Namer) Member(manager, owner, literal string) Name {
	literal = Normalize(literal)
	stem := join(n.prefix(VersionOf(literal)), manager, owner)
	return n.bound(stem, literal, literal)
}

// VM names the index-th (0-based) address of a VM. The first address uses
// the bare VM name; later ones append the literal.
func (n Namer) VM(manager, vm, literal string, index int) Name {
	literal = Normalize(literal)
	stem := join(n.prefix(VersionOf(literal)), manager, vm)
	if index == 0 {
		return n.bound(stem, "", literal)
	}
	return n.bound(stem, literal, literal)
}

// Group names the address group holding members tagged scope/tag.
func (n Namer) Group(v domain.Version, scope, tag string) Name {
	stem := join(n.groupPrefix(v), scope)
	return n.bound(stem, tag, scope+"/"+tag)
}

// bound returns stem_suffix when it fits. Otherwise the suffix is replaced
// by a digest of content; if the stem alone is too long it is truncated and
// the digest covers the full canonical form instead. Truncation never
// splits a rune.
func (n Namer) bound(stem, suffix, content string) Name {
	limit := n.maxLen()
	canonical := join(stem, suffix)
	if len(canonical) <= limit {
		return Name{Value: canonical}
	}
	if len(stem)+1+hashLen <= limit {
		return Name{Value: stem + "_" + hashOf(content), Hashed: true}
	}
	cut := limit - 1 - hashLen
	for cut > 0 && !utf8.RuneStart(stem[cut]) {
		cut--
	}
	return Name{Value: stem[:cut] + "_" + hashOf(canonical), Hashed: true}
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}

func join(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, sanitize(p))
		}
	}
	return strings.Join(kept, "_")
}

// sanitize replaces whitespace, which firewall identifiers reject.
func sanitize(s string) string {
	return strings.Join(strings.Fields(s), "-")
}
