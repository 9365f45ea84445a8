package reconciler

import (
	"maps"
	"slices"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Diff computes the plan converging current to desired for one namespace.
// It performs no I/O.
func Diff(v domain.Version, desired domain.Namespace, current *domain.FirewallInventory) *domain.ReconciliationPlan {
	plan := &domain.ReconciliationPlan{Version: v}

	existingAddrs := make(map[string]bool, len(current.Addresses))
	for _, a := range current.Addresses {
		existingAddrs[a.Name] = true
	}
	existingGroups := make(map[string]domain.AddressGroupRecord, len(current.AddressGroups))
	for _, g := range current.AddressGroups {
		existingGroups[g.Name] = g
	}

	// Step 1: addresses the firewall lacks.
	for _, name := range desired.AddressNames() {
		if !existingAddrs[name] {
			plan.CreateAddresses = append(plan.CreateAddresses, desired.Addresses[name])
		}
	}

	// Steps 2 and 3: new groups and membership deltas.
	var removed []string
	for _, name := range desired.GroupNames() {
		want := sortedGroup(desired.Groups[name])
		have, exists := existingGroups[name]
		if !exists {
			plan.CreateGroups = append(plan.CreateGroups, want)
			continue
		}
		added := difference(want.Members, have.Members)
		gone := difference(have.Members, want.Members)
		if len(added) == 0 && len(gone) == 0 {
			continue
		}
		plan.UpdateGroups = append(plan.UpdateGroups, domain.GroupUpdate{Group: want, Added: added, Removed: gone})
		removed = append(removed, gone...)
	}

	// Step 4: predicted against the firewall as it will look after step 3.
	view := projectedGroups(current.AddressGroups, plan)
	for _, name := range deleteCandidates(removed, desired, existingAddrs) {
		if referenced(name, view) {
			plan.InUse = append(plan.InUse, name)
		} else {
			plan.DeleteAddresses = append(plan.DeleteAddresses, name)
		}
	}
	return plan
}

// deleteCandidates returns removed members that are firewall addresses and
// not part of the desired state.
func deleteCandidates(removed []string, desired domain.Namespace, existingAddrs map[string]bool) []string {
	var out []string
	for _, name := range dedupe(removed) {
		if _, wanted := desired.Addresses[name]; wanted {
			continue
		}
		if existingAddrs[name] {
			out = append(out, name)
		}
	}
	return out
}

// projectedGroups returns current groups with planned updates applied and
// planned creations added.
func projectedGroups(current []domain.AddressGroupRecord, plan *domain.ReconciliationPlan) []domain.AddressGroupRecord {
	updated := make(map[string]domain.AddressGroupRecord, len(plan.UpdateGroups))
	for _, u := range plan.UpdateGroups {
		updated[u.Group.Name] = u.Group
	}
	view := make([]domain.AddressGroupRecord, 0, len(current)+len(plan.CreateGroups))
	for _, g := range current {
		if u, ok := updated[g.Name]; ok {
			g = u
		}
		view = append(view, g)
	}
	return append(view, plan.CreateGroups...)
}

// referenced reports whether any group in groups lists name as a member.
func referenced(name string, groups []domain.AddressGroupRecord) bool {
	for _, g := range groups {
		if g.HasMember(name) {
			return true
		}
	}
	return false
}

func sortedGroup(g domain.AddressGroupRecord) domain.AddressGroupRecord {
	g = g.Clone()
	g.Members = dedupe(g.Members)
	return g
}

// difference returns the sorted members of a not present in b.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	out := make(map[string]bool)
	for _, s := range a {
		if !in[s] {
			out[s] = true
		}
	}
	return slices.Sorted(maps.Keys(out))
}

func dedupe(names []string) []string {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return slices.Sorted(maps.Keys(set))
}
