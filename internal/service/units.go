package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/storage"
	"github.com/bcnelson/addrsync/internal/validation"
)

// ImportResult counts the units written by ImportUnits.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// NewUnit builds a unit from a validated request.
func NewUnit(req *domain.CreateUnitRequest) *domain.IntegrationUnit {
	now := time.Now().UTC()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &domain.IntegrationUnit{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Scope:     req.Scope,
		Tags:      slices.Clone(req.Tags),
		Managers:  slices.Clone(req.Managers),
		Targets:   slices.Clone(req.Targets),
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyUpdate merges req into unit and validates the result.
func ApplyUpdate(unit *domain.IntegrationUnit, req *domain.UpdateUnitRequest) error {
	if req.Name != nil {
		unit.Name = *req.Name
	}
	if req.Scope != nil {
		unit.Scope = *req.Scope
	}
	if req.Tags != nil {
		unit.Tags = req.Tags
	}
	if req.Managers != nil {
		unit.Managers = req.Managers
	}
	if req.Targets != nil {
		unit.Targets = req.Targets
	}
	if req.Enabled != nil {
		unit.Enabled = *req.Enabled
	}
	return validation.ValidateUnit(&domain.CreateUnitRequest{
		Name:     unit.Name,
		Scope:    unit.Scope,
		Tags:     unit.Tags,
		Managers: unit.Managers,
		Targets:  unit.Targets,
	})
}

// ImportUnits creates or replaces units by name in one transaction. Every
// definition is validated before anything is written.
func ImportUnits(ctx context.Context, store storage.Storage, reqs []domain.CreateUnitRequest) (*ImportResult, error) {
	for i := range reqs {
		if err := validation.ValidateUnit(&reqs[i]); err != nil {
			return nil, fmt.Errorf("unit %q: %w", reqs[i].Name, err)
		}
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res := &ImportResult{}
	for i := range reqs {
		unit := NewUnit(&reqs[i])
		existing, err := tx.GetUnitByName(ctx, unit.Name)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := tx.CreateUnit(ctx, unit); err != nil {
				return nil, fmt.Errorf("creating unit %q: %w", unit.Name, err)
			}
			res.Created++
		case err != nil:
			return nil, err
		default:
			unit.ID = existing.ID
			unit.CreatedAt = existing.CreatedAt
			if err := tx.UpdateUnit(ctx, unit); err != nil {
				return nil, fmt.Errorf("updating unit %q: %w", unit.Name, err)
			}
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}
