package reconciler_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/reconciler"
)

const dom = "root"

func addr(name, ip string) domain.AddressRecord {
	return domain.AddressRecord{Name: name, Version: domain.V4, Kind: domain.KindSingle, Subnet: ip + " 255.255.255.255"}
}

func namespace(groups map[string][]string, addrs ...domain.AddressRecord) domain.Namespace {
	ns := domain.NewNamespace()
	for _, a := range addrs {
		ns.Addresses[a.Name] = a
	}
	for name, members := range groups {
		ns.Groups[name] = domain.AddressGroupRecord{Name: name, Members: members}
	}
	return ns
}

func inventory(groups map[string][]string, addrs ...domain.AddressRecord) *domain.FirewallInventory {
	inv := &domain.FirewallInventory{Addresses: addrs}
	for name, members := range groups {
		inv.AddressGroups = append(inv.AddressGroups, domain.AddressGroupRecord{Name: name, Members: members})
	}
	return inv
}

func TestDiff_EndToEnd(t *testing.T) {
	desired := namespace(map[string][]string{"grpA": {"addr1", "addr2"}},
		addr("addr1", "10.0.0.1"), addr("addr2", "10.0.0.2"))
	current := inventory(map[string][]string{"grpA": {"addr1", "addr3"}},
		addr("addr1", "10.0.0.1"), addr("addr3", "10.0.0.3"))

	plan := reconciler.Diff(domain.V4, desired, current)

	require.Len(t, plan.CreateAddresses, 1)
	assert.Equal(t, "addr2", plan.CreateAddresses[0].Name)
	assert.Empty(t, plan.CreateGroups)
	require.Len(t, plan.UpdateGroups, 1)
	update := plan.UpdateGroups[0]
	assert.Equal(t, "grpA", update.Group.Name)
	assert.Equal(t, []string{"addr1", "addr2"}, update.Group.Members)
	assert.Equal(t, []string{"addr2"}, update.Added)
	assert.Equal(t, []string{"addr3"}, update.Removed)
	assert.Equal(t, []string{"addr3"}, plan.DeleteAddresses)
	assert.Empty(t, plan.InUse)
}

func TestDiff_SafeDeleteWhenReferencedElsewhere(t *testing.T) {
	desired := namespace(map[string][]string{"grpA": {"addr1", "addr2"}},
		addr("addr1", "10.0.0.1"), addr("addr2", "10.0.0.2"))
	current := inventory(map[string][]string{
		"grpA":     {"addr1", "addr3"},
		"manual-b": {"addr3"},
	}, addr("addr1", "10.0.0.1"), addr("addr3", "10.0.0.3"))

	plan := reconciler.Diff(domain.V4, desired, current)

	assert.Empty(t, plan.DeleteAddresses)
	assert.Equal(t, []string{"addr3"}, plan.InUse)
}

func TestDiff_RemovedMemberMovingToNewGroupIsKept(t *testing.T) {
	desired := namespace(map[string][]string{
		"grpA": {"addr1"},
		"grpB": {"addr3"},
	}, addr("addr1", "10.0.0.1"), addr("addr3", "10.0.0.3"))
	current := inventory(map[string][]string{"grpA": {"addr1", "addr3"}},
		addr("addr1", "10.0.0.1"), addr("addr3", "10.0.0.3"))

	plan := reconciler.Diff(domain.V4, desired, current)

	require.Len(t, plan.CreateGroups, 1)
	assert.Equal(t, "grpB", plan.CreateGroups[0].Name)
	assert.Empty(t, plan.DeleteAddresses)
}

func TestDiff_NoChanges(t *testing.T) {
	desired := namespace(map[string][]string{"grpA": {"addr2", "addr1"}},
		addr("addr1", "10.0.0.1"), addr("addr2", "10.0.0.2"))
	current := inventory(map[string][]string{"grpA": {"addr1", "addr2"}},
		addr("addr1", "10.0.0.1"), addr("addr2", "10.0.0.2"), addr("unmanaged", "10.9.9.9"))

	plan := reconciler.Diff(domain.V4, desired, current)
	assert.True(t, plan.Empty())
}

func TestDiff_SafeDeleteProperty(t *testing.T) {
	desired := namespace(map[string][]string{"grpA": {"a1"}}, addr("a1", "10.0.0.1"))
	current := inventory(map[string][]string{
		"grpA": {"a1", "a2", "a3", "a4"},
		"grpX": {"a2"},
		"grpY": {"a4", "a9"},
	}, addr("a1", "10.0.0.1"), addr("a2", "10.0.0.2"), addr("a3", "10.0.0.3"), addr("a4", "10.0.0.4"))

	plan := reconciler.Diff(domain.V4, desired, current)

	for _, name := range plan.DeleteAddresses {
		for _, g := range current.AddressGroups {
			if g.Name == "grpA" {
				continue
			}
			assert.NotContains(t, g.Members, name, "deleted %s is referenced by %s", name, g.Name)
		}
	}
	assert.Equal(t, []string{"a3"}, plan.DeleteAddresses)
	assert.ElementsMatch(t, []string{"a2", "a4"}, plan.InUse)
}

func newReconciler() *reconciler.Reconciler {
	return reconciler.New(zerolog.Nop())
}

func TestReconcile_ConvergesAndIsIdempotent(t *testing.T) {
	fw := newMemFirewall()
	fw.seedAddress(dom, addr("addr1", "10.0.0.1"))
	fw.seedAddress(dom, addr("addr3", "10.0.0.3"))
	fw.seedGroup(domain.V4, dom, "grpA", "addr1", "addr3")

	desired := namespace(map[string][]string{
		"grpA": {"addr1", "addr2"},
		"grpN": {"addr4"},
	}, addr("addr1", "10.0.0.1"), addr("addr2", "10.0.0.2"), addr("addr4", "10.0.0.4"))

	res := newReconciler().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)

	require.NoError(t, res.Err())
	assert.ElementsMatch(t, []string{"addr2", "addr4"}, res.Created)
	assert.Equal(t, []string{"grpN"}, res.CreatedGroups)
	require.Len(t, res.UpdatedGroups, 1)
	assert.Equal(t, []string{"addr3"}, res.Deleted)

	assert.Equal(t, []string{"addr1", "addr2"}, fw.groupMembers(domain.V4, dom, "grpA"))
	assert.Equal(t, []string{"addr4"}, fw.groupMembers(domain.V4, dom, "grpN"))
	assert.False(t, fw.hasAddress(domain.V4, dom, "addr3"))

	again := newReconciler().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)
	require.NotNil(t, again.Plan)
	assert.True(t, again.Plan.Empty())
	assert.Empty(t, again.Created)
}

func TestReconcile_MutationFailuresAreIsolated(t *testing.T) {
	fw := newMemFirewall()
	fw.failCreate["addr2"] = true

	desired := namespace(map[string][]string{
		"grpA": {"addr1"},
		"grpB": {"addr2"},
	}, addr("addr1", "10.0.0.1"), addr("addr2", "10.0.0.2"))

	res := newReconciler().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)

	assert.Equal(t, []string{"addr1"}, res.Created)
	assert.Equal(t, []string{"grpA"}, res.CreatedGroups)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, reconciler.OpCreateAddress, res.Failures[0].Op)
	assert.Equal(t, reconciler.OpCreateGroup, res.Failures[1].Op)
	assert.Error(t, res.Err())
}

func TestReconcile_InventoryFailureAbortsNamespace(t *testing.T) {
	fw := newMemFirewall()
	fw.failList = true

	desired := namespace(map[string][]string{"grpA": {"addr1"}}, addr("addr1", "10.0.0.1"))
	res := newReconciler().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)

	assert.True(t, res.Aborted)
	assert.Contains(t, res.AbortError, reconciler.OpListAddresses)
	assert.Nil(t, res.Plan)
	assert.Zero(t, fw.mutations)
}

func TestReconcile_FailedUpdateBlocksDelete(t *testing.T) {
	fw := newMemFirewall()
	fw.seedAddress(dom, addr("addr1", "10.0.0.1"))
	fw.seedAddress(dom, addr("addr3", "10.0.0.3"))
	fw.seedGroup(domain.V4, dom, "grpA", "addr1", "addr3")
	fw.failUpdate["grpA"] = true

	desired := namespace(map[string][]string{"grpA": {"addr1"}}, addr("addr1", "10.0.0.1"))
	res := newReconciler().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)

	assert.Equal(t, []string{"addr3"}, res.Plan.DeleteAddresses)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, []string{"addr3"}, res.InUse)
	assert.True(t, fw.hasAddress(domain.V4, dom, "addr3"))
}

func TestReconcile_LivenessFailureSkipsDeletes(t *testing.T) {
	fw := newMemFirewall()
	fw.seedAddress(dom, addr("addr1", "10.0.0.1"))
	fw.seedAddress(dom, addr("addr3", "10.0.0.3"))
	fw.seedGroup(domain.V4, dom, "grpA", "addr1", "addr3")
	fw.failGroupsCall = 2

	desired := namespace(map[string][]string{"grpA": {"addr1"}}, addr("addr1", "10.0.0.1"))
	res := newReconciler().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)

	assert.Empty(t, res.Deleted)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, reconciler.OpLiveness, res.Failures[0].Op)
	assert.True(t, fw.hasAddress(domain.V4, dom, "addr3"))
}

func TestReconcile_DryRunDoesNotMutate(t *testing.T) {
	fw := newMemFirewall()
	desired := namespace(map[string][]string{"grpA": {"addr1"}}, addr("addr1", "10.0.0.1"))

	res := newReconciler().DryRun().Reconcile(context.Background(), fw, "fw1", dom, domain.V4, desired)

	require.NotNil(t, res.Plan)
	assert.Len(t, res.Plan.CreateAddresses, 1)
	assert.Len(t, res.Plan.CreateGroups, 1)
	assert.Zero(t, fw.mutations)
}

func TestReconcileTarget_DomainsAndNamespaces(t *testing.T) {
	fw := newMemFirewall()
	desired := domain.NewDesiredState()
	desired.V4 = namespace(map[string][]string{"grp4": {"addr1"}}, addr("addr1", "10.0.0.1"))
	desired.V6.Addresses["addr6"] = domain.AddressRecord{Name: "addr6", Version: domain.V6, Kind: domain.KindSingle, Prefix: "2001:db8::1/128"}
	desired.V6.Groups["grp6"] = domain.AddressGroupRecord{Name: "grp6", Members: []string{"addr6"}}

	results := newReconciler().ReconcileTarget(context.Background(), fw, "fw1", []string{"vdom-b", "vdom-a"}, desired)

	require.Len(t, results, 4)
	assert.Equal(t, "vdom-a", results[0].Domain)
	assert.Equal(t, domain.V4, results[0].Version)
	assert.Equal(t, domain.V6, results[1].Version)
	assert.Equal(t, "vdom-b", results[2].Domain)
	for _, res := range results {
		assert.NoError(t, res.Err())
	}
	assert.True(t, fw.hasAddress(domain.V6, "vdom-b", "addr6"))
	assert.True(t, fw.hasAddress(domain.V4, "vdom-a", "addr1"))

	rep := reconciler.NewReport("unit", results)
	assert.Equal(t, 4, rep.Summary.Created)
	assert.Equal(t, 4, rep.Summary.CreatedGroups)
	assert.Equal(t, domain.RunSuccess, rep.Status())
}

func TestReport_Status(t *testing.T) {
	ok := &reconciler.NamespaceResult{Created: []string{"a"}}
	failed := &reconciler.NamespaceResult{Failures: []reconciler.Failure{{Op: reconciler.OpCreateAddress, Name: "b", Error: "x"}}}
	aborted := &reconciler.NamespaceResult{Aborted: true, AbortError: "list_addresses: down"}

	assert.Equal(t, domain.RunSuccess, reconciler.NewReport("u", []*reconciler.NamespaceResult{ok}).Status())
	assert.Equal(t, domain.RunPartial, reconciler.NewReport("u", []*reconciler.NamespaceResult{ok, failed}).Status())
	assert.Equal(t, domain.RunPartial, reconciler.NewReport("u", []*reconciler.NamespaceResult{ok, aborted}).Status())
	assert.Equal(t, domain.RunFailed, reconciler.NewReport("u", []*reconciler.NamespaceResult{aborted}).Status())

	rep := reconciler.NewReport("u", []*reconciler.NamespaceResult{failed, aborted})
	assert.ErrorContains(t, rep.Err(), "create_address b")
	assert.ErrorContains(t, rep.Err(), "aborted")
}
