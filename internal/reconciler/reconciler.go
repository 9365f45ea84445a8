// Package reconciler converges a firewall's address objects to a desired
// state: create addresses, create groups, update membership, then delete
// orphaned addresses that no group references.
package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/metrics"
)

// Firewall is the firewall management API the reconciler drives. Each call
// targets one administrative domain.
type Firewall interface {
	ListAddresses(ctx context.Context, v domain.Version, dom string) ([]domain.AddressRecord, error)
	ListAddressGroups(ctx context.Context, v domain.Version, dom string) ([]domain.AddressGroupRecord, error)
	CreateAddress(ctx context.Context, rec domain.AddressRecord, dom string) error
	CreateAddressGroup(ctx context.Context, v domain.Version, rec domain.AddressGroupRecord, dom string) error
	UpdateAddressGroup(ctx context.Context, v domain.Version, name string, rec domain.AddressGroupRecord, dom string) error
	DeleteAddress(ctx context.Context, v domain.Version, name, dom string) error
}

// Mutation operations, used in failures and metrics.
const (
	OpListAddresses = "list_addresses"
	OpListGroups    = "list_groups"
	OpCreateAddress = "create_address"
	OpCreateGroup   = "create_group"
	OpUpdateGroup   = "update_group"
	OpDeleteAddress = "delete_address"
	OpLiveness      = "liveness_check"
)

// Reconciler executes reconciliation plans. It is stateless; every call
// fetches and owns its own firewall snapshot.
type Reconciler struct {
	log    zerolog.Logger
	dryRun bool
}

// New creates a Reconciler.
func New(logger zerolog.Logger) *Reconciler {
	return &Reconciler{log: logger.With().Str("component", "reconciler").Logger()}
}

// DryRun returns a copy of r that computes plans without mutating.
func (r *Reconciler) DryRun() *Reconciler {
	return &Reconciler{log: r.log, dryRun: true}
}

// Snapshot fetches the firewall's current inventory for one namespace.
func Snapshot(ctx context.Context, fw Firewall, v domain.Version, dom string) (*domain.FirewallInventory, string, error) {
	addrs, err := fw.ListAddresses(ctx, v, dom)
	if err != nil {
		return nil, OpListAddresses, err
	}
	groups, err := fw.ListAddressGroups(ctx, v, dom)
	if err != nil {
		return nil, OpListGroups, err
	}
	return &domain.FirewallInventory{Addresses: addrs, AddressGroups: groups}, "", nil
}

// Reconcile converges one namespace of one firewall domain. A failure to read
// the firewall's inventory aborts only this namespace.
func (r *Reconciler) Reconcile(ctx context.Context, fw Firewall, target, dom string, v domain.Version, desired domain.Namespace) *NamespaceResult {
	res := &NamespaceResult{Target: target, Domain: dom, Version: v}
	log := r.log.With().Str("target", target).Str("domain", dom).Str("namespace", v.String()).Logger()

	current, op, err := Snapshot(ctx, fw, v, dom)
	if err != nil {
		res.abort(op, err)
		metrics.Get().InventoryAbort.WithLabelValues(target, v.String()).Inc()
		log.Error().Err(err).Str("op", op).Msg("cannot read firewall inventory; skipping namespace")
		return res
	}

	plan := Diff(v, desired, current)
	res.Plan = plan
	if r.dryRun || plan.Empty() {
		res.InUse = plan.InUse
		return res
	}

	// 1. Create addresses.
	for _, rec := range plan.CreateAddresses {
		err := fw.CreateAddress(ctx, rec, dom)
		if res.record(OpCreateAddress, rec.Name, err) {
			res.Created = append(res.Created, rec.Name)
		}
	}

	// 2. Create groups with their desired members.
	for _, g := range plan.CreateGroups {
		err := fw.CreateAddressGroup(ctx, v, g, dom)
		if res.record(OpCreateGroup, g.Name, err) {
			res.CreatedGroups = append(res.CreatedGroups, g.Name)
		}
	}

	// 3. Push full desired membership for changed groups.
	for _, u := range plan.UpdateGroups {
		err := fw.UpdateAddressGroup(ctx, v, u.Group.Name, u.Group, dom)
		if res.record(OpUpdateGroup, u.Group.Name, err) {
			res.UpdatedGroups = append(res.UpdatedGroups, u)
			log.Info().Str("group", u.Group.Name).Strs("added", u.Added).Strs("removed", u.Removed).Msg("updated group membership")
		}
	}

	// 4. Delete removed members no group still references.
	r.deleteOrphans(ctx, fw, dom, v, plan, res, log)

	level := zerolog.InfoLevel
	if len(res.Failures) > 0 {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).
		Int("failures", len(res.Failures)).
		Int("created", len(res.Created)).
		Int("created_groups", len(res.CreatedGroups)).
		Int("updated_groups", len(res.UpdatedGroups)).
		Int("deleted", len(res.Deleted)).
		Int("in_use", len(res.InUse)).
		Msg("namespace reconciled")
	return res
}

// deleteOrphans re-reads group membership after the updates and deletes each
// removed member only when no group on the firewall references it.
func (r *Reconciler) deleteOrphans(ctx context.Context, fw Firewall, dom string, v domain.Version, plan *domain.ReconciliationPlan, res *NamespaceResult, log zerolog.Logger) {
	candidates := append(append([]string{}, plan.DeleteAddresses...), plan.InUse...)
	if len(candidates) == 0 {
		return
	}
	groups, err := fw.ListAddressGroups(ctx, v, dom)
	if err != nil {
		res.record(OpLiveness, "", err)
		log.Warn().Err(err).Msg("liveness check failed; skipping deletes")
		return
	}
	for _, name := range dedupe(candidates) {
		if referenced(name, groups) {
			res.InUse = append(res.InUse, name)
			metrics.Get().DeletesSkipped.WithLabelValues(v.String()).Inc()
			log.Info().Str("address", name).Msg("address still referenced; not deleting")
			continue
		}
		err := fw.DeleteAddress(ctx, v, name, dom)
		if res.record(OpDeleteAddress, name, err) {
			res.Deleted = append(res.Deleted, name)
		}
	}
}

// ReconcileTarget converges every domain and namespace of one firewall
// target. Domains and the v4/v6 namespaces run concurrently; they share only
// the read-only desired state.
func (r *Reconciler) ReconcileTarget(ctx context.Context, fw Firewall, target string, domains []string, desired *domain.DesiredState) []*NamespaceResult {
	var (
		mu      sync.Mutex
		results []*NamespaceResult
	)
	var wg sync.WaitGroup
	for _, dom := range domains {
		for _, v := range []domain.Version{domain.V4, domain.V6} {
			wg.Go(func() {
				res := r.Reconcile(ctx, fw, target, dom, v, desired.Namespace(v))
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			})
		}
	}
	wg.Wait()
	sortResults(results)
	return results
}

func (res *NamespaceResult) abort(op string, err error) {
	res.Aborted = true
	res.AbortError = fmt.Sprintf("%s: %v", op, err)
}

// record notes the outcome of one mutation and reports whether it succeeded.
func (res *NamespaceResult) record(op, name string, err error) bool {
	result := "success"
	if err != nil {
		result = "failure"
		res.Failures = append(res.Failures, Failure{Op: op, Name: name, Error: err.Error()})
	}
	metrics.Get().Mutations.WithLabelValues(op, res.Version.String(), result).Inc()
	return err == nil
}
