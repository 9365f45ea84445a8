package reconciler

import (
	"cmp"
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Failure is one mutation that the firewall rejected.
type Failure struct {
	Op    string `json:"op"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// NamespaceResult is the outcome of reconciling one namespace of one
// firewall domain.
type NamespaceResult struct {
	Target        string                     `json:"target"`
	Domain        string                     `json:"domain"`
	Version       domain.Version             `json:"version"`
	Plan          *domain.ReconciliationPlan `json:"plan,omitempty"`
	Created       []string                   `json:"created,omitempty"`
	CreatedGroups []string                   `json:"created_groups,omitempty"`
	UpdatedGroups []domain.GroupUpdate       `json:"updated_groups,omitempty"`
	Deleted       []string                   `json:"deleted,omitempty"`
	InUse         []string                   `json:"in_use,omitempty"`
	Failures      []Failure                  `json:"failures,omitempty"`
	Aborted       bool                       `json:"aborted,omitempty"`
	AbortError    string                     `json:"abort_error,omitempty"`
}

// Err combines the namespace's failures into one error, or nil.
func (res *NamespaceResult) Err() error {
	var err error
	if res.Aborted {
		err = multierr.Append(err, fmt.Errorf("%s/%s %s aborted: %s", res.Target, res.Domain, res.Version, res.AbortError))
	}
	for _, f := range res.Failures {
		err = multierr.Append(err, fmt.Errorf("%s/%s %s %s %s: %s", res.Target, res.Domain, res.Version, f.Op, f.Name, f.Error))
	}
	return err
}

// Summary counts the outcomes of a pass.
type Summary struct {
	Created       int `json:"created"`
	CreatedGroups int `json:"created_groups"`
	UpdatedGroups int `json:"updated_groups"`
	Deleted       int `json:"deleted"`
	InUse         int `json:"in_use"`
	Failures      int `json:"failures"`
	Aborted       int `json:"aborted"`
}

// Report is the outcome of one integration unit pass.
type Report struct {
	Unit      string             `json:"unit"`
	Summary   Summary            `json:"summary"`
	Results   []*NamespaceResult `json:"results"`
	Conflicts []string           `json:"conflicts,omitempty"`
}

// NewReport builds a report and its summary from namespace results.
func NewReport(unit string, results []*NamespaceResult) *Report {
	rep := &Report{Unit: unit, Results: results}
	for _, res := range results {
		rep.Summary.Created += len(res.Created)
		rep.Summary.CreatedGroups += len(res.CreatedGroups)
		rep.Summary.UpdatedGroups += len(res.UpdatedGroups)
		rep.Summary.Deleted += len(res.Deleted)
		rep.Summary.InUse += len(res.InUse)
		rep.Summary.Failures += len(res.Failures)
		if res.Aborted {
			rep.Summary.Aborted++
		}
	}
	return rep
}

// Err combines every failure in the report.
func (rep *Report) Err() error {
	var err error
	for _, res := range rep.Results {
		err = multierr.Append(err, res.Err())
	}
	return err
}

// Status classifies the pass for its run record.
func (rep *Report) Status() string {
	if rep.Summary.Failures == 0 && rep.Summary.Aborted == 0 {
		return domain.RunSuccess
	}
	if len(rep.Results) > 0 && rep.Summary.Aborted == len(rep.Results) {
		return domain.RunFailed
	}
	return domain.RunPartial
}

func sortResults(results []*NamespaceResult) {
	slices.SortFunc(results, func(a, b *NamespaceResult) int {
		return cmp.Or(
			cmp.Compare(a.Target, b.Target),
			cmp.Compare(a.Domain, b.Domain),
			cmp.Compare(a.Version, b.Version),
		)
	})
}
