package merger

import (
	"maps"
	"slices"

	"github.com/bcnelson/addrsync/internal/domain"
)

// MergeGroups merges groups from a fragment into acc.
// Groups with the same name have their members merged (union, deduplicated
// by name); every other field takes the fragment's value.
func MergeGroups(acc, frag map[string]domain.AddressGroupRecord) {
	for _, name := range sortedKeys(frag) {
		incoming := frag[name]
		existing, exists := acc[name]
		merged := incoming.Clone()
		merged.Members = nil
		if exists {
			for _, member := range existing.Members {
				merged.AddMember(member)
			}
		}
		for _, member := range incoming.Members {
			merged.AddMember(member)
		}
		acc[name] = merged
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
