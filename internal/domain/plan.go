package domain

// GroupUpdate replaces a group's membership with the desired member list.
// Added and Removed record the change against the firewall's current group.
type GroupUpdate struct {
	Group   AddressGroupRecord `json:"group"`
	Added   []string           `json:"added"`
	Removed []string           `json:"removed"`
}

// ReconciliationPlan lists the mutations that converge one firewall domain
// namespace to the desired state, in execution order.
type ReconciliationPlan struct {
	Version         Version              `json:"version"`
	CreateAddresses []AddressRecord      `json:"create_addresses"`
	CreateGroups    []AddressGroupRecord `json:"create_groups"`
	UpdateGroups    []GroupUpdate        `json:"update_groups"`
	DeleteAddresses []string             `json:"delete_addresses"`
	// InUse lists removed members still referenced by another group.
	InUse []string `json:"in_use,omitempty"`
}

// Empty reports whether the plan has no mutations.
func (p *ReconciliationPlan) Empty() bool {
	return len(p.CreateAddresses) == 0 && len(p.CreateGroups) == 0 &&
		len(p.UpdateGroups) == 0 && len(p.DeleteAddresses) == 0
}
