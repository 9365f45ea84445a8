// Package service runs integration unit passes: extract desired state from
// every manager, merge it, and reconcile every target.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bcnelson/addrsync/internal/address"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/extractor"
	"github.com/bcnelson/addrsync/internal/merger"
	"github.com/bcnelson/addrsync/internal/metrics"
	"github.com/bcnelson/addrsync/internal/reconciler"
	"github.com/bcnelson/addrsync/internal/storage"
)

// unitConcurrency bounds how many units a full sync runs at once.
const unitConcurrency = 4

// SyncService handles syncing integration units to their firewalls.
type SyncService struct {
	store      storage.Storage
	connector  Connector
	extractor  *extractor.Extractor
	reconciler *reconciler.Reconciler
	debounce   time.Duration
	autoSync   bool
	log        zerolog.Logger

	mu          sync.Mutex
	syncTimer   *time.Timer
	syncPending bool
	syncingAll  bool
	running     map[string]bool // unit IDs with a pass in flight
}

// NewSyncService creates a new SyncService.
func NewSyncService(store storage.Storage, connector Connector, namer address.Namer, debounce time.Duration, autoSync bool, logger zerolog.Logger) *SyncService {
	logger = logger.With().Str("component", "sync").Logger()
	return &SyncService{
		store:      store,
		connector:  connector,
		extractor:  extractor.New(namer, logger),
		reconciler: reconciler.New(logger),
		debounce:   debounce,
		autoSync:   autoSync,
		log:        logger,
		running:    make(map[string]bool),
	}
}

// DesiredPreview is the merged desired state of a unit, without touching
// any firewall.
type DesiredPreview struct {
	Unit      string               `json:"unit"`
	State     *domain.DesiredState `json:"state"`
	Conflicts []merger.Conflict    `json:"conflicts,omitempty"`
}

// TriggerSync triggers a debounced sync of every enabled unit.
// Multiple triggers within the debounce period will result in a single sync.
func (s *SyncService) TriggerSync() {
	if !s.autoSync {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syncTimer != nil {
		s.syncTimer.Stop()
	}

	s.syncPending = true
	s.syncTimer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.syncPending = false
		s.mu.Unlock()

		if _, err := s.SyncAll(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("auto-sync failed")
		}
	})
}

// Pending reports whether a debounced sync is scheduled.
func (s *SyncService) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncPending
}

// ForceSync cancels any pending debounced sync and syncs every enabled unit
// immediately.
func (s *SyncService) ForceSync(ctx context.Context) (*domain.SyncResponse, error) {
	s.mu.Lock()
	if s.syncTimer != nil {
		s.syncTimer.Stop()
	}
	s.syncPending = false
	s.mu.Unlock()

	return s.SyncAll(ctx)
}

// Run performs a full sync every interval until ctx is cancelled.
func (s *SyncService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && !errors.Is(err, domain.ErrSyncInProgress) {
				s.log.Error().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

// SyncAll runs a pass over every enabled unit. Only a failure to load unit
// configuration aborts; per-unit problems are recorded in each run.
func (s *SyncService) SyncAll(ctx context.Context) (*domain.SyncResponse, error) {
	s.mu.Lock()
	if s.syncingAll {
		s.mu.Unlock()
		return nil, domain.ErrSyncInProgress
	}
	s.syncingAll = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncingAll = false
		s.mu.Unlock()
	}()

	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing integration units: %w", err)
	}

	var (
		mu   sync.Mutex
		runs []*domain.SyncRun
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(unitConcurrency)
	for _, u := range units {
		if !u.Enabled {
			continue
		}
		g.Go(func() error {
			unit, err := s.store.GetUnit(gctx, u.ID)
			if err != nil {
				return fmt.Errorf("reading unit %s: %w", u.Name, err)
			}
			run, err := s.syncUnit(gctx, unit)
			if errors.Is(err, domain.ErrSyncInProgress) {
				s.log.Info().Str("unit", unit.Name).Msg("unit pass already running, skipped")
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			runs = append(runs, run)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(runs, func(a, b *domain.SyncRun) int { return strings.Compare(a.UnitName, b.UnitName) })
	return summarize(runs), nil
}

// SyncUnit runs one pass over a single unit.
func (s *SyncService) SyncUnit(ctx context.Context, id string) (*domain.SyncRun, error) {
	unit, err := s.store.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if !unit.Enabled {
		return nil, domain.ErrUnitDisabled
	}
	return s.syncUnit(ctx, unit)
}

// PreviewDesired extracts and merges a unit's desired state.
func (s *SyncService) PreviewDesired(ctx context.Context, id string) (*DesiredPreview, error) {
	unit, err := s.store.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	state, conflicts, err := s.aggregate(ctx, unit)
	if err != nil {
		return nil, err
	}
	return &DesiredPreview{Unit: unit.Name, State: state, Conflicts: conflicts}, nil
}

// PreviewPlan computes the plans a pass would execute, without mutating any
// firewall.
func (s *SyncService) PreviewPlan(ctx context.Context, id string) (*reconciler.Report, error) {
	unit, err := s.store.GetUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	state, conflicts, err := s.aggregate(ctx, unit)
	if err != nil {
		return nil, err
	}
	report := reconciler.NewReport(unit.Name, s.reconcileTargets(ctx, s.reconciler.DryRun(), unit, state))
	report.Conflicts = conflictStrings(conflicts)
	return report, nil
}

func (s *SyncService) acquire(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[unitID] {
		return false
	}
	s.running[unitID] = true
	return true
}

func (s *SyncService) release(unitID string) {
	s.mu.Lock()
	delete(s.running, unitID)
	s.mu.Unlock()
}

func (s *SyncService) syncUnit(ctx context.Context, unit *domain.IntegrationUnit) (*domain.SyncRun, error) {
	if !s.acquire(unit.ID) {
		return nil, domain.ErrSyncInProgress
	}
	defer s.release(unit.ID)

	log := s.log.With().Str("unit", unit.Name).Logger()
	run := &domain.SyncRun{
		ID:        uuid.New().String(),
		UnitID:    unit.ID,
		UnitName:  unit.Name,
		Status:    domain.RunPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording sync run: %w", err)
	}

	state, conflicts, err := s.aggregate(ctx, unit)
	if err != nil {
		run.Status = domain.RunFailed
		run.Error = err.Error()
	} else {
		report := reconciler.NewReport(unit.Name, s.reconcileTargets(ctx, s.reconciler, unit, state))
		report.Conflicts = conflictStrings(conflicts)
		run.Status = report.Status()
		if err := report.Err(); err != nil {
			run.Error = err.Error()
		}
		data, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("encoding sync report: %w", err)
		}
		run.Report = string(data)
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	m := metrics.Get()
	m.SyncRuns.WithLabelValues(run.Status).Inc()
	m.SyncDuration.Observe(finished.Sub(run.StartedAt).Seconds())

	// The run record outlives a cancelled pass.
	if err := s.store.UpdateSyncRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("failed to update sync run record")
	}

	log.Info().Str("run", run.ID).Str("status", run.Status).Dur("took", finished.Sub(run.StartedAt)).Msg("unit pass finished")
	return run, nil
}

// aggregate extracts every manager's fragment in order and merges them.
// An unreachable manager contributes nothing; only cancellation fails.
func (s *SyncService) aggregate(ctx context.Context, unit *domain.IntegrationUnit) (*domain.DesiredState, []merger.Conflict, error) {
	m := merger.New()
	tags := unit.ScopeTags()
	for _, mgr := range unit.Managers {
		inv, err := s.connector.OpenInventory(ctx, mgr)
		if err != nil {
			s.log.Warn().Err(err).Str("unit", unit.Name).Str("manager", mgr.Name).Msg("manager unavailable, contributing nothing")
			metrics.Get().ExtractionFailures.WithLabelValues(mgr.Name, "connect").Inc()
			continue
		}
		fragment, err := s.extractor.Extract(ctx, mgr, inv, tags)
		if cerr := inv.Close(); cerr != nil {
			s.log.Debug().Err(cerr).Str("manager", mgr.Name).Msg("closing inventory session")
		}
		if err != nil {
			return nil, nil, fmt.Errorf("extracting from %s: %w", mgr.Name, err)
		}
		m.Add(fragment)
	}

	state, conflicts := m.State(), m.Conflicts()
	reg := metrics.Get()
	for _, v := range []domain.Version{domain.V4, domain.V6} {
		ns := state.Namespace(v)
		reg.DesiredObjects.WithLabelValues(unit.Name, v.String(), "address").Set(float64(len(ns.Addresses)))
		reg.DesiredObjects.WithLabelValues(unit.Name, v.String(), "group").Set(float64(len(ns.Groups)))
	}
	if len(conflicts) > 0 {
		reg.MergeConflicts.WithLabelValues(unit.Name).Add(float64(len(conflicts)))
		for _, c := range conflicts {
			s.log.Warn().Str("unit", unit.Name).Str("conflict", c.String()).Msg("address name collision across managers")
		}
	}
	return state, conflicts, nil
}

// reconcileTargets converges every target concurrently. A target that
// cannot be opened aborts each of its namespaces.
func (s *SyncService) reconcileTargets(ctx context.Context, r *reconciler.Reconciler, unit *domain.IntegrationUnit, state *domain.DesiredState) []*reconciler.NamespaceResult {
	var (
		mu      sync.Mutex
		results []*reconciler.NamespaceResult
	)
	var wg sync.WaitGroup
	for _, target := range unit.Targets {
		wg.Go(func() {
			var res []*reconciler.NamespaceResult
			fw, err := s.connector.OpenFirewall(ctx, target)
			if err != nil {
				res = abortedTarget(target, err)
			} else {
				res = r.ReconcileTarget(ctx, fw, target.Name, target.DomainList(), state)
				if cerr := fw.Close(); cerr != nil {
					s.log.Debug().Err(cerr).Str("target", target.Name).Msg("closing firewall session")
				}
			}
			mu.Lock()
			results = append(results, res...)
			mu.Unlock()
		})
	}
	wg.Wait()
	slices.SortFunc(results, func(a, b *reconciler.NamespaceResult) int {
		if c := strings.Compare(a.Target, b.Target); c != 0 {
			return c
		}
		if c := strings.Compare(a.Domain, b.Domain); c != 0 {
			return c
		}
		return int(a.Version) - int(b.Version)
	})
	return results
}

func abortedTarget(target domain.Target, err error) []*reconciler.NamespaceResult {
	var out []*reconciler.NamespaceResult
	for _, dom := range target.DomainList() {
		for _, v := range []domain.Version{domain.V4, domain.V6} {
			metrics.Get().InventoryAbort.WithLabelValues(target.Name, v.String()).Inc()
			out = append(out, &reconciler.NamespaceResult{
				Target:     target.Name,
				Domain:     dom,
				Version:    v,
				Aborted:    true,
				AbortError: "connect: " + err.Error(),
			})
		}
	}
	return out
}

func conflictStrings(conflicts []merger.Conflict) []string {
	if len(conflicts) == 0 {
		return nil
	}
	out := make([]string, len(conflicts))
	for i, c := range conflicts {
		out[i] = c.String()
	}
	return out
}

func summarize(runs []*domain.SyncRun) *domain.SyncResponse {
	resp := &domain.SyncResponse{Runs: runs, Status: domain.RunSuccess}
	if runs == nil {
		resp.Runs = []*domain.SyncRun{}
	}
	var failed, ok int
	var errs []string
	for _, r := range runs {
		switch r.Status {
		case domain.RunSuccess:
			ok++
		case domain.RunFailed:
			failed++
		}
		if r.Error != "" {
			errs = append(errs, r.UnitName+": "+r.Error)
		}
	}
	switch {
	case len(runs) > 0 && failed == len(runs):
		resp.Status = domain.RunFailed
	case ok != len(runs):
		resp.Status = domain.RunPartial
	}
	resp.Error = strings.Join(errs, "; ")
	return resp
}
