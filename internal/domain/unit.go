package domain

import "time"

// ManagerKind distinguishes local inventory managers from global coordinators.
type ManagerKind string

const (
	ManagerLocal  ManagerKind = "local"
	ManagerGlobal ManagerKind = "global"
)

// DefaultFirewallDomain is used when a target lists no administrative domains.
const DefaultFirewallDomain = "root"

// Manager is an inventory control point queried for tagged resources.
type Manager struct {
	Name string      `json:"name" yaml:"name"`
	Kind ManagerKind `json:"kind" yaml:"kind"`
	URL  string      `json:"url" yaml:"url"`
}

// Target is a firewall whose address objects are converged.
type Target struct {
	Name    string   `json:"name" yaml:"name"`
	URL     string   `json:"url" yaml:"url"`
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// DomainList returns the administrative domains to reconcile.
func (t Target) DomainList() []string {
	if len(t.Domains) == 0 {
		return []string{DefaultFirewallDomain}
	}
	return t.Domains
}

// IntegrationUnit pairs inventory managers with firewall targets over one
// scope and its tags.
type IntegrationUnit struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Scope     string    `json:"scope" db:"scope"`
	Tags      []string  `json:"tags" db:"-"`
	Managers  []Manager `json:"managers" db:"-"`
	Targets   []Target  `json:"targets" db:"-"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// ScopeTags returns the (scope, tag) pairs of the unit.
func (u *IntegrationUnit) ScopeTags() []Tag {
	tags := make([]Tag, 0, len(u.Tags))
	for _, t := range u.Tags {
		tags = append(tags, Tag{Scope: u.Scope, Tag: t})
	}
	return tags
}

// CreateUnitRequest is the request body for creating an integration unit.
type CreateUnitRequest struct {
	Name     string    `json:"name" yaml:"name"`
	Scope    string    `json:"scope" yaml:"scope"`
	Tags     []string  `json:"tags" yaml:"tags"`
	Managers []Manager `json:"managers" yaml:"managers"`
	Targets  []Target  `json:"targets" yaml:"targets"`
	Enabled  *bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// UpdateUnitRequest is the request body for updating an integration unit.
type UpdateUnitRequest struct {
	Name     *string   `json:"name,omitempty"`
	Scope    *string   `json:"scope,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Managers []Manager `json:"managers,omitempty"`
	Targets  []Target  `json:"targets,omitempty"`
	Enabled  *bool     `json:"enabled,omitempty"`
}
