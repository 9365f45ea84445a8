// Package extractor reads tagged VMs and groups from one inventory manager
// and emits that manager's desired-state fragment.
package extractor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/address"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/metrics"
)

// Inventory is the subset of an inventory manager's API the extractor needs.
type Inventory interface {
	Search(ctx context.Context, query string, global bool) ([]domain.Resource, error)
	ListVirtualInterfaces(ctx context.Context, ownerID string) ([]domain.VirtualInterface, error)
	ListGroupMembers(ctx context.Context, groupID string) (*domain.GroupMembers, error)
	ListSites(ctx context.Context) ([]domain.Site, error)
	ListEnforcementPoints(ctx context.Context, siteID string) ([]domain.EnforcementPoint, error)
	ListEnforcementPointMembers(ctx context.Context, groupPath, epPath string) ([]string, error)
}

// Extractor builds desired-state fragments. It holds no per-pass state and
// is safe for concurrent use.
type Extractor struct {
	namer address.Namer
	log   zerolog.Logger
}

// New creates an Extractor.
func New(namer address.Namer, logger zerolog.Logger) *Extractor {
	return &Extractor{namer: namer, log: logger.With().Str("component", "extractor").Logger()}
}

// SearchQuery renders the inventory search for running resources of typ
// tagged scope/tag.
func SearchQuery(typ domain.ResourceType, scope, tag string) string {
	q := fmt.Sprintf("resource_type:%s AND tags.scope:%s AND tags.tag:%s",
		typ, escape(scope), escape(tag))
	if typ == domain.ResourceVirtualMachine {
		q += " AND power_state:" + domain.PowerStateRunning
	}
	return q
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`, ` `, `\ `, `/`, `\/`).Replace(s)
}

// pass carries the state of one manager extraction.
type pass struct {
	*Extractor
	mgr   domain.Manager
	inv   Inventory
	state *domain.DesiredState
	log   zerolog.Logger
}

// Extract queries inv for every scope/tag pair and returns the manager's
// fragment. Failed sub-queries are logged and treated as empty; only context
// cancellation is returned as an error.
func (e *Extractor) Extract(ctx context.Context, mgr domain.Manager, inv Inventory, tags []domain.Tag) (*domain.DesiredState, error) {
	p := &pass{
		Extractor: e,
		mgr:       mgr,
		inv:       inv,
		state:     domain.NewDesiredState(),
		log:       e.log.With().Str("manager", mgr.Name).Str("kind", string(mgr.Kind)).Logger(),
	}
	for _, t := range tags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.extractTag(ctx, t)
	}
	p.log.Debug().
		Int("v4_addresses", len(p.state.V4.Addresses)).
		Int("v6_addresses", len(p.state.V6.Addresses)).
		Msg("extracted fragment")
	return p.state, ctx.Err()
}

func (p *pass) extractTag(ctx context.Context, t domain.Tag) {
	groups := map[domain.Version]string{
		domain.V4: p.namer.Group(domain.V4, t.Scope, t.Tag).Value,
		domain.V6: p.namer.Group(domain.V6, t.Scope, t.Tag).Value,
	}

	for _, vm := range p.search(ctx, domain.ResourceVirtualMachine, t) {
		if vm.PowerState != "" && vm.PowerState != domain.PowerStateRunning {
			continue
		}
		p.addVM(groups, vm.DisplayName, p.vmIPs(ctx, vm))
	}

	for _, g := range p.search(ctx, domain.ResourceGroup, t) {
		if p.mgr.Kind == domain.ManagerGlobal {
			p.addGroupGlobal(ctx, groups, g)
		} else {
			p.addGroupLocal(ctx, groups, g)
		}
	}
}

// search runs the tag query and keeps resources of typ carrying the exact tag.
func (p *pass) search(ctx context.Context, typ domain.ResourceType, t domain.Tag) []domain.Resource {
	query := SearchQuery(typ, t.Scope, t.Tag)
	found, err := p.inv.Search(ctx, query, p.mgr.Kind == domain.ManagerGlobal)
	if err != nil {
		p.failed("search", err, "query", query)
		return nil
	}
	kept := make([]domain.Resource, 0, len(found))
	for _, r := range found {
		if r.Type == typ && r.HasTag(t.Scope, t.Tag) {
			kept = append(kept, r)
		}
	}
	slices.SortFunc(kept, func(a, b domain.Resource) int {
		return strings.Compare(a.DisplayName+"\x00"+a.ID, b.DisplayName+"\x00"+b.ID)
	})
	return kept
}

func (p *pass) vmIPs(ctx context.Context, vm domain.Resource) []string {
	owner := vm.ExternalID
	if owner == "" {
		owner = vm.ID
	}
	vifs, err := p.inv.ListVirtualInterfaces(ctx, owner)
	if err != nil {
		p.failed("virtual_interfaces", err, "vm", vm.DisplayName)
		return nil
	}
	var ips []string
	for _, vif := range vifs {
		ips = append(ips, vif.IPAddresses...)
	}
	return address.Clean(ips)
}

// addGroupGlobal unions the group's expression IPs with the IPs observed on
// every enforcement point of every site.
func (p *pass) addGroupGlobal(ctx context.Context, groups map[domain.Version]string, g domain.Resource) {
	ips := slices.Clone(g.ExpressionIPs)

	sites, err := p.inv.ListSites(ctx)
	if err != nil {
		p.failed("sites", err, "group", g.DisplayName)
	}
	for _, site := range sites {
		eps, err := p.inv.ListEnforcementPoints(ctx, site.ID)
		if err != nil {
			p.failed("enforcement_points", err, "site", site.ID)
			continue
		}
		for _, ep := range eps {
			members, err := p.inv.ListEnforcementPointMembers(ctx, g.Path, ep.Path)
			if err != nil {
				p.failed("enforcement_point_members", err, "group", g.DisplayName, "enforcement_point", ep.Path)
				continue
			}
			ips = append(ips, members...)
		}
	}

	for _, ip := range address.Clean(ips) {
		p.add(groups, p.namer.Member(p.mgr.Name, g.DisplayName, ip), ip)
	}
}

// addGroupLocal adds a local group's VIF members as VM addresses and its
// remaining direct IP members as group-owned addresses. An IP resolved via a
// virtual interface is never also added as a plain member.
func (p *pass) addGroupLocal(ctx context.Context, groups map[domain.Version]string, g domain.Resource) {
	members, err := p.inv.ListGroupMembers(ctx, g.ID)
	if err != nil {
		p.failed("group_members", err, "group", g.DisplayName)
		return
	}

	byOwner := make(map[string][]string)
	viaVIF := make(map[string]bool)
	for _, vif := range members.VIFs {
		owner := vif.OwnerName
		if owner == "" {
			owner = vif.OwnerID
		}
		for _, ip := range address.Clean(vif.IPAddresses) {
			byOwner[owner] = append(byOwner[owner], ip)
			viaVIF[ip] = true
		}
	}
	for _, owner := range sortedKeys(byOwner) {
		p.addVM(groups, owner, address.Clean(byOwner[owner]))
	}

	for _, ip := range address.Clean(members.IPs) {
		if viaVIF[ip] {
			continue
		}
		p.add(groups, p.namer.Member(p.mgr.Name, g.DisplayName, ip), ip)
	}
}

// addVM names a VM's addresses: the first address of each version uses the
// bare VM name. When that name already holds another payload in this
// fragment (two VMs sharing a display name, or a VM seen through a group
// with a different first address) the literal-qualified name is used.
func (p *pass) addVM(groups map[domain.Version]string, vm string, ips []string) {
	index := map[domain.Version]int{}
	for _, ip := range ips {
		v := address.VersionOf(ip)
		name := p.namer.VM(p.mgr.Name, vm, ip, index[v])
		if index[v] == 0 && p.taken(name, ip) {
			alt := p.namer.VM(p.mgr.Name, vm, ip, 1)
			if _, seen := p.state.Namespace(v).Addresses[alt.Value]; !seen {
				p.log.Warn().Str("vm", vm).Str("name", name.Value).Str("literal", ip).
					Str("using", alt.Value).Msg("address name already holds another payload")
			}
			name = alt
		}
		if p.add(groups, name, ip) {
			index[v]++
		}
	}
}

// taken reports whether name already holds a payload other than literal's.
func (p *pass) taken(name address.Name, literal string) bool {
	rec, ok := address.Build(literal, name.Value, name.Hashed)
	if !ok {
		return false
	}
	existing, exists := p.state.Namespace(rec.Version).Addresses[rec.Name]
	return exists && !existing.SameTarget(rec)
}

// add builds the record for literal and appends it to the tag's group.
// Unrecognized literals are skipped, as are literals whose name is held by
// another payload.
func (p *pass) add(groups map[domain.Version]string, name address.Name, literal string) bool {
	rec, ok := address.Build(literal, name.Value, name.Hashed)
	if !ok {
		p.log.Debug().Str("literal", literal).Msg("skipping unrecognized literal")
		return false
	}
	ns := p.state.Namespace(rec.Version)
	if existing, exists := ns.Addresses[rec.Name]; !exists {
		ns.Addresses[rec.Name] = rec
	} else if !existing.SameTarget(rec) {
		p.log.Warn().Str("name", rec.Name).Str("literal", literal).
			Msg("address name collision; dropping address")
		metrics.Get().ExtractionFailures.WithLabelValues(p.mgr.Name, "name_collision").Inc()
		return false
	}

	groupName := groups[rec.Version]
	g, exists := ns.Groups[groupName]
	if !exists {
		g = domain.AddressGroupRecord{
			Name:    groupName,
			Comment: fmt.Sprintf("managed by addrsync; manager %s", p.mgr.Name),
		}
	}
	g.AddMember(rec.Name)
	ns.Groups[groupName] = g
	return true
}

func (p *pass) failed(step string, err error, kv ...string) {
	ev := p.log.Warn().Err(err).Str("step", step)
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Str(kv[i], kv[i+1])
	}
	ev.Msg("inventory query failed; treating as empty")
	metrics.Get().ExtractionFailures.WithLabelValues(p.mgr.Name, step).Inc()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
