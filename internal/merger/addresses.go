package merger

import (
	"github.com/bcnelson/addrsync/internal/domain"
)

// MergeAddresses merges addresses from a fragment into acc.
// First-writer wins: a name already present in acc is never overwritten.
// Divergent payloads under an existing name are reported, not resolved.
func MergeAddresses(v domain.Version, acc, frag map[string]domain.AddressRecord) []Conflict {
	var conflicts []Conflict
	for _, name := range sortedKeys(frag) {
		rec := frag[name]
		existing, exists := acc[name]
		if !exists {
			acc[name] = rec
			continue
		}
		if !existing.SameTarget(rec) {
			conflicts = append(conflicts, Conflict{Version: v, Name: name, Kept: existing, Rejected: rec})
		}
	}
	return conflicts
}
