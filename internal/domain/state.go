package domain

import (
	"maps"
	"slices"
)

// Namespace is the desired address/group inventory for one IP version.
type Namespace struct {
	Addresses map[string]AddressRecord      `json:"addresses"`
	Groups    map[string]AddressGroupRecord `json:"groups"`
}

// NewNamespace returns an empty namespace.
func NewNamespace() Namespace {
	return Namespace{
		Addresses: make(map[string]AddressRecord),
		Groups:    make(map[string]AddressGroupRecord),
	}
}

// AddressNames returns the address names in sorted order.
func (n Namespace) AddressNames() []string {
	return slices.Sorted(maps.Keys(n.Addresses))
}

// GroupNames returns the group names in sorted order.
func (n Namespace) GroupNames() []string {
	return slices.Sorted(maps.Keys(n.Groups))
}

// DesiredState is the address-object state a firewall should hold, derived
// from tagged inventory. It is built per manager and then merged.
type DesiredState struct {
	V4 Namespace `json:"v4"`
	V6 Namespace `json:"v6"`
}

// NewDesiredState returns an empty desired state.
func NewDesiredState() *DesiredState {
	return &DesiredState{V4: NewNamespace(), V6: NewNamespace()}
}

// Namespace returns the namespace for v.
func (d *DesiredState) Namespace(v Version) Namespace {
	if v == V6 {
		return d.V6
	}
	return d.V4
}

// FirewallInventory is a read-only snapshot of one firewall domain's
// address objects for one version, fetched once per reconciliation.
type FirewallInventory struct {
	Addresses     []AddressRecord      `json:"addresses"`
	AddressGroups []AddressGroupRecord `json:"address_groups"`
}

// Group returns the named group from the snapshot.
func (f *FirewallInventory) Group(name string) (AddressGroupRecord, bool) {
	for _, g := range f.AddressGroups {
		if g.Name == name {
			return g, true
		}
	}
	return AddressGroupRecord{}, false
}

// HasAddress reports whether the snapshot contains an address named name.
func (f *FirewallInventory) HasAddress(name string) bool {
	for _, a := range f.Addresses {
		if a.Name == name {
			return true
		}
	}
	return false
}
