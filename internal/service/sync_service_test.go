package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/addrsync/internal/address"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/firewall"
	"github.com/bcnelson/addrsync/internal/inventory"
	"github.com/bcnelson/addrsync/internal/reconciler"
	"github.com/bcnelson/addrsync/internal/storage/memory"
)

type fakeConnector struct {
	dir string

	mu           sync.Mutex
	datasets     map[string]inventory.Dataset
	failManagers map[string]bool
	failTargets  map[string]bool
	shims        map[string]*firewall.FileShim

	opened atomic.Int32
	closed atomic.Int32
}

func newFakeConnector(t *testing.T) *fakeConnector {
	return &fakeConnector{
		dir:          t.TempDir(),
		datasets:     make(map[string]inventory.Dataset),
		failManagers: make(map[string]bool),
		failTargets:  make(map[string]bool),
		shims:        make(map[string]*firewall.FileShim),
	}
}

type countedInventory struct {
	*inventory.FileShim
	closed *atomic.Int32
}

func (c countedInventory) Close() error { c.closed.Add(1); return nil }

type countedFirewall struct {
	*firewall.FileShim
	closed *atomic.Int32
}

func (c countedFirewall) Close() error { c.closed.Add(1); return nil }

func (f *fakeConnector) setDataset(manager string, ds inventory.Dataset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[manager] = ds
}

func (f *fakeConnector) OpenInventory(_ context.Context, mgr domain.Manager) (InventorySession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failManagers[mgr.Name] {
		return nil, errors.New("connection refused")
	}
	f.opened.Add(1)
	return countedInventory{inventory.NewDatasetShim(f.datasets[mgr.Name], zerolog.Nop()), &f.closed}, nil
}

func (f *fakeConnector) OpenFirewall(_ context.Context, target domain.Target) (FirewallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTargets[target.Name] {
		return nil, errors.New("connection refused")
	}
	f.opened.Add(1)
	return countedFirewall{f.firewall(target.Name), &f.closed}, nil
}

func (f *fakeConnector) firewall(target string) *firewall.FileShim {
	s, ok := f.shims[target]
	if !ok {
		s = firewall.NewFileShim(filepath.Join(f.dir, target+".json"), zerolog.Nop())
		f.shims[target] = s
	}
	return s
}

func (f *fakeConnector) addressNames(t *testing.T, target string, v domain.Version) []string {
	f.mu.Lock()
	fw := f.firewall(target)
	f.mu.Unlock()
	addrs, err := fw.ListAddresses(context.Background(), v, domain.DefaultFirewallDomain)
	require.NoError(t, err)
	names := make([]string, 0, len(addrs))
	for _, a := range addrs {
		names = append(names, a.Name)
	}
	return names
}

func (f *fakeConnector) group(t *testing.T, target string, v domain.Version, name string) (domain.AddressGroupRecord, bool) {
	f.mu.Lock()
	fw := f.firewall(target)
	f.mu.Unlock()
	groups, err := fw.ListAddressGroups(context.Background(), v, domain.DefaultFirewallDomain)
	require.NoError(t, err)
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return domain.AddressGroupRecord{}, false
}

func webDataset(vms map[string]string) inventory.Dataset {
	tag := []domain.Tag{{Scope: "env", Tag: "web"}}
	var ds inventory.Dataset
	for name, ip := range vms {
		ds.Resources = append(ds.Resources, domain.Resource{
			ID: "id-" + name, DisplayName: name, Type: domain.ResourceVirtualMachine,
			PowerState: domain.PowerStateRunning, Tags: tag,
		})
		ds.VIFs = append(ds.VIFs, domain.VirtualInterface{ID: "vif-" + name, OwnerID: "id-" + name, IPAddresses: []string{ip}})
	}
	return ds
}

func newTestService(t *testing.T) (*SyncService, *memory.Store, *fakeConnector) {
	t.Helper()
	store := memory.New()
	conn := newFakeConnector(t)
	svc := NewSyncService(store, conn, address.DefaultNamer(), 10*time.Millisecond, true, zerolog.Nop())
	return svc, store, conn
}

func createUnit(t *testing.T, store *memory.Store, name string, managers ...string) *domain.IntegrationUnit {
	t.Helper()
	req := &domain.CreateUnitRequest{
		Name:    name,
		Scope:   "env",
		Tags:    []string{"web"},
		Targets: []domain.Target{{Name: "fw1", URL: "https://fw1.example"}},
	}
	for _, m := range managers {
		req.Managers = append(req.Managers, domain.Manager{Name: m, Kind: domain.ManagerLocal, URL: "https://" + m + ".example"})
	}
	unit := NewUnit(req)
	require.NoError(t, store.CreateUnit(context.Background(), unit))
	return unit
}

func decodeReport(t *testing.T, run *domain.SyncRun) *reconciler.Report {
	t.Helper()
	var rep reconciler.Report
	require.NoError(t, json.Unmarshal([]byte(run.Report), &rep))
	return &rep
}

func TestSyncUnit_ConvergesAndRecordsRun(t *testing.T) {
	svc, store, conn := newTestService(t)
	ctx := context.Background()
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1", "web-02": "10.0.0.2"}))
	unit := createUnit(t, store, "prod", "nsx-a")

	run, err := svc.SyncUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	assert.ElementsMatch(t, []string{"addr4_nsx-a_web-01", "addr4_nsx-a_web-02"}, conn.addressNames(t, "fw1", domain.V4))
	grp := address.DefaultNamer().Group(domain.V4, "env", "web").Value
	g, ok := conn.group(t, "fw1", domain.V4, grp)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"addr4_nsx-a_web-01", "addr4_nsx-a_web-02"}, g.Members)

	rep := decodeReport(t, run)
	assert.Equal(t, 2, rep.Summary.Created)
	assert.Equal(t, 1, rep.Summary.CreatedGroups)

	latest, err := store.GetLatestSyncRun(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
	assert.Equal(t, domain.RunSuccess, latest.Status)

	assert.Equal(t, conn.opened.Load(), conn.closed.Load(), "every session is released")
}

func TestSyncUnit_SecondPassIsNoop(t *testing.T) {
	svc, store, conn := newTestService(t)
	ctx := context.Background()
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	unit := createUnit(t, store, "prod", "nsx-a")

	_, err := svc.SyncUnit(ctx, unit.ID)
	require.NoError(t, err)
	run, err := svc.SyncUnit(ctx, unit.ID)
	require.NoError(t, err)

	rep := decodeReport(t, run)
	assert.Equal(t, reconciler.Summary{}, rep.Summary)
	for _, res := range rep.Results {
		assert.True(t, res.Plan.Empty())
	}
}

func TestSyncUnit_RemovedVMIsDeleted(t *testing.T) {
	svc, store, conn := newTestService(t)
	ctx := context.Background()
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1", "web-02": "10.0.0.2"}))
	unit := createUnit(t, store, "prod", "nsx-a")
	_, err := svc.SyncUnit(ctx, unit.ID)
	require.NoError(t, err)

	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	run, err := svc.SyncUnit(ctx, unit.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, []string{"addr4_nsx-a_web-01"}, conn.addressNames(t, "fw1", domain.V4))
	assert.Equal(t, 1, decodeReport(t, run).Summary.Deleted)
}

func TestSyncUnit_ManagersAreMerged(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	conn.setDataset("nsx-b", webDataset(map[string]string{"web-09": "10.0.9.1"}))
	unit := createUnit(t, store, "prod", "nsx-a", "nsx-b")

	_, err := svc.SyncUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"addr4_nsx-a_web-01", "addr4_nsx-b_web-09"}, conn.addressNames(t, "fw1", domain.V4))
}

func TestSyncUnit_UnreachableManagerContributesNothing(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	conn.failManagers["nsx-b"] = true
	unit := createUnit(t, store, "prod", "nsx-a", "nsx-b")

	run, err := svc.SyncUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, []string{"addr4_nsx-a_web-01"}, conn.addressNames(t, "fw1", domain.V4))
}

func TestSyncUnit_UnreachableTargetFails(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	conn.failTargets["fw1"] = true
	unit := createUnit(t, store, "prod", "nsx-a")

	run, err := svc.SyncUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "connection refused")

	rep := decodeReport(t, run)
	assert.Equal(t, 2, rep.Summary.Aborted)
}

func TestSyncUnit_Errors(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SyncUnit(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	unit := createUnit(t, store, "prod", "nsx-a")
	unit.Enabled = false
	require.NoError(t, store.UpdateUnit(ctx, unit))
	_, err = svc.SyncUnit(ctx, unit.ID)
	assert.ErrorIs(t, err, domain.ErrUnitDisabled)
}

func TestSyncUnit_RejectsOverlappingPass(t *testing.T) {
	svc, store, _ := newTestService(t)
	unit := createUnit(t, store, "prod", "nsx-a")

	require.True(t, svc.acquire(unit.ID))
	_, err := svc.SyncUnit(context.Background(), unit.ID)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)

	svc.release(unit.ID)
	_, err = svc.SyncUnit(context.Background(), unit.ID)
	assert.NoError(t, err)
}

func TestSyncAll_SkipsDisabledUnits(t *testing.T) {
	svc, store, conn := newTestService(t)
	ctx := context.Background()
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	createUnit(t, store, "zeta", "nsx-a")
	createUnit(t, store, "alpha", "nsx-a")
	off := createUnit(t, store, "off", "nsx-a")
	off.Enabled = false
	require.NoError(t, store.UpdateUnit(ctx, off))

	resp, err := svc.ForceSync(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "alpha", resp.Runs[0].UnitName)
	assert.Equal(t, "zeta", resp.Runs[1].UnitName)
	assert.Equal(t, domain.RunSuccess, resp.Status)

	runs, err := store.ListSyncRuns(ctx, off.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSyncAll_PartialStatus(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	createUnit(t, store, "good", "nsx-a")
	bad := NewUnit(&domain.CreateUnitRequest{
		Name: "bad", Scope: "env", Tags: []string{"web"},
		Managers: []domain.Manager{{Name: "nsx-a", Kind: domain.ManagerLocal, URL: "https://nsx-a.example"}},
		Targets:  []domain.Target{{Name: "fw-down", URL: "https://fw-down.example"}},
	})
	require.NoError(t, store.CreateUnit(context.Background(), bad))
	conn.failTargets["fw-down"] = true

	resp, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, resp.Status)
	assert.Contains(t, resp.Error, "bad:")
}

func TestPreviewPlan_DoesNotMutate(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	unit := createUnit(t, store, "prod", "nsx-a")

	rep, err := svc.PreviewPlan(context.Background(), unit.ID)
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	v4 := rep.Results[0]
	assert.Equal(t, domain.V4, v4.Version)
	require.Len(t, v4.Plan.CreateAddresses, 1)
	assert.Equal(t, "addr4_nsx-a_web-01", v4.Plan.CreateAddresses[0].Name)

	assert.Empty(t, conn.addressNames(t, "fw1", domain.V4))
	runs, err := store.ListSyncRuns(context.Background(), unit.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPreviewDesired(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1", "web-02": "2001:db8::2"}))
	unit := createUnit(t, store, "prod", "nsx-a")

	preview, err := svc.PreviewDesired(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod", preview.Unit)
	assert.Equal(t, []string{"addr4_nsx-a_web-01"}, preview.State.V4.AddressNames())
	assert.Equal(t, []string{"addr6_nsx-a_web-02"}, preview.State.V6.AddressNames())
	assert.Empty(t, preview.Conflicts)
}

func TestTriggerSync_Debounces(t *testing.T) {
	svc, store, conn := newTestService(t)
	conn.setDataset("nsx-a", webDataset(map[string]string{"web-01": "10.0.0.1"}))
	unit := createUnit(t, store, "prod", "nsx-a")

	svc.TriggerSync()
	svc.TriggerSync()
	svc.TriggerSync()

	assert.Eventually(t, func() bool {
		runs, err := store.ListSyncRuns(context.Background(), unit.ID, 10, 0)
		return err == nil && len(runs) == 1 && runs[0].Status == domain.RunSuccess
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, svc.Pending())
}

func TestTriggerSync_DisabledAutoSync(t *testing.T) {
	store := memory.New()
	svc := NewSyncService(store, newFakeConnector(t), address.DefaultNamer(), time.Millisecond, false, zerolog.Nop())
	svc.TriggerSync()
	assert.False(t, svc.Pending())
}
