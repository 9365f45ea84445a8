package domain

import "slices"

// Version identifies an IP protocol namespace on the firewall.
type Version int

const (
	V4 Version = 4
	V6 Version = 6
)

// String returns "v4" or "v6".
func (v Version) String() string {
	if v == V6 {
		return "v6"
	}
	return "v4"
}

// Kind is the firewall representation of an address object.
type Kind string

const (
	KindSingle Kind = "single" // host or network with mask/prefix
	KindRange  Kind = "range"
)

// MaxNameLength is the firewall's identifier limit for address and group names.
const MaxNameLength = 79

// AddressRecord is a firewall address object. Records are built once and
// never mutated afterwards.
type AddressRecord struct {
	Name    string  `json:"name" yaml:"name"`
	Version Version `json:"version" yaml:"version"`
	Kind    Kind    `json:"kind" yaml:"kind"`
	// Subnet holds "<ip> <mask>" for v4 single records.
	Subnet string `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	// Prefix holds "<ip>/<len>" for v6 single records.
	Prefix  string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	StartIP string `json:"start_ip,omitempty" yaml:"start_ip,omitempty"`
	EndIP   string `json:"end_ip,omitempty" yaml:"end_ip,omitempty"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// SameTarget reports whether two records describe the same addresses,
// ignoring name and comment.
func (a AddressRecord) SameTarget(b AddressRecord) bool {
	return a.Version == b.Version && a.Kind == b.Kind && a.Subnet == b.Subnet &&
		a.Prefix == b.Prefix && a.StartIP == b.StartIP && a.EndIP == b.EndIP
}

// AddressGroupRecord is a firewall address group. Members are address names
// from the same version namespace.
type AddressGroupRecord struct {
	Name    string   `json:"name" yaml:"name"`
	Comment string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	Members []string `json:"members" yaml:"members"`
}

// HasMember reports whether name is a member of the group.
func (g AddressGroupRecord) HasMember(name string) bool {
	return slices.Contains(g.Members, name)
}

// AddMember appends name unless it is already present.
func (g *AddressGroupRecord) AddMember(name string) {
	if !g.HasMember(name) {
		g.Members = append(g.Members, name)
	}
}

// Clone returns a deep copy of the group.
func (g AddressGroupRecord) Clone() AddressGroupRecord {
	g.Members = slices.Clone(g.Members)
	return g
}
