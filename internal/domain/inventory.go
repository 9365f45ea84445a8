package domain

// ResourceType distinguishes the tagged inventory objects the extractor reads.
type ResourceType string

const (
	ResourceVirtualMachine ResourceType = "VirtualMachine"
	ResourceGroup          ResourceType = "Group"
)

// PowerStateRunning is the power state of a running virtual machine.
const PowerStateRunning = "VM_RUNNING"

// Tag is a scoped inventory tag.
type Tag struct {
	Scope string `json:"scope"`
	Tag   string `json:"tag"`
}

// Resource is a tagged VM or group returned by an inventory search.
type Resource struct {
	ID            string       `json:"id"`
	ExternalID    string       `json:"external_id,omitempty"`
	DisplayName   string       `json:"display_name"`
	Type          ResourceType `json:"resource_type"`
	Path          string       `json:"path,omitempty"`
	PowerState    string       `json:"power_state,omitempty"`
	Tags          []Tag        `json:"tags,omitempty"`
	ExpressionIPs []string     `json:"expression_ips,omitempty"`
}

// HasTag reports whether the resource carries exactly scope/tag.
func (r Resource) HasTag(scope, tag string) bool {
	for _, t := range r.Tags {
		if t.Scope == scope && t.Tag == tag {
			return true
		}
	}
	return false
}

// VirtualInterface is a VM network interface with its observed addresses.
type VirtualInterface struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"owner_vm_id"`
	OwnerName   string   `json:"owner_vm_name,omitempty"`
	IPAddresses []string `json:"ip_addresses"`
}

// GroupMembers are the direct members of a group on a local manager.
type GroupMembers struct {
	IPs  []string           `json:"ips"`
	VIFs []VirtualInterface `json:"vifs"`
}

// Site is a location federated under a global manager.
type Site struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// EnforcementPoint is a local manager registered to a site.
type EnforcementPoint struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}
