// Package merger folds per-manager desired-state fragments into one
// desired state per integration unit.
package merger

import (
	"fmt"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Conflict records a fragment address whose payload differs from the record
// already stored under the same name. The stored record is kept.
type Conflict struct {
	Version  domain.Version       `json:"version"`
	Name     string               `json:"name"`
	Kept     domain.AddressRecord `json:"kept"`
	Rejected domain.AddressRecord `json:"rejected"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s %s: kept %s, rejected %s", c.Version, c.Name, target(c.Kept), target(c.Rejected))
}

func target(r domain.AddressRecord) string {
	switch {
	case r.Kind == domain.KindRange:
		return r.StartIP + "-" + r.EndIP
	case r.Version == domain.V6:
		return r.Prefix
	default:
		return r.Subnet
	}
}

// Merger accumulates fragments into a running desired state.
type Merger struct {
	state     *domain.DesiredState
	conflicts []Conflict
}

// New creates a Merger with an empty accumulator.
func New() *Merger {
	return &Merger{state: domain.NewDesiredState()}
}

// Add folds a fragment into the accumulator.
func (m *Merger) Add(fragment *domain.DesiredState) {
	if fragment == nil {
		return
	}
	m.conflicts = append(m.conflicts, mergeNamespace(domain.V4, &m.state.V4, fragment.V4)...)
	m.conflicts = append(m.conflicts, mergeNamespace(domain.V6, &m.state.V6, fragment.V6)...)
}

// State returns the merged desired state.
func (m *Merger) State() *domain.DesiredState {
	return m.state
}

// Conflicts returns the divergent address records seen so far.
func (m *Merger) Conflicts() []Conflict {
	return m.conflicts
}

// Merge folds fragments in order and returns the unified desired state.
func Merge(fragments ...*domain.DesiredState) *domain.DesiredState {
	m := New()
	for _, f := range fragments {
		m.Add(f)
	}
	return m.State()
}

func mergeNamespace(v domain.Version, acc *domain.Namespace, frag domain.Namespace) []Conflict {
	if acc.Addresses == nil || acc.Groups == nil {
		*acc = domain.NewNamespace()
	}
	conflicts := MergeAddresses(v, acc.Addresses, frag.Addresses)
	MergeGroups(acc.Groups, frag.Groups)
	return conflicts
}
