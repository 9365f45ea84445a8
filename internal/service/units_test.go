package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/storage/memory"
)

func unitRequest(name string, tags ...string) domain.CreateUnitRequest {
	return domain.CreateUnitRequest{
		Name:     name,
		Scope:    "env",
		Tags:     tags,
		Managers: []domain.Manager{{Name: "nsx-a", Kind: domain.ManagerLocal, URL: "https://nsx-a.example"}},
		Targets:  []domain.Target{{Name: "fw1", URL: "https://fw1.example"}},
	}
}

func TestImportUnits_CreatesThenUpdatesByName(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	res, err := ImportUnits(ctx, store, []domain.CreateUnitRequest{unitRequest("prod", "web"), unitRequest("dev", "web")})
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Created: 2}, res)

	before, err := store.GetUnitByName(ctx, "prod")
	require.NoError(t, err)

	res, err = ImportUnits(ctx, store, []domain.CreateUnitRequest{unitRequest("prod", "web", "db")})
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Updated: 1}, res)

	after, err := store.GetUnitByName(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, []string{"web", "db"}, after.Tags)

	units, err := store.ListUnits(ctx)
	require.NoError(t, err)
	assert.Len(t, units, 2)
}

func TestImportUnits_InvalidWritesNothing(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	bad := unitRequest("bad")
	_, err := ImportUnits(ctx, store, []domain.CreateUnitRequest{unitRequest("prod", "web"), bad})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	units, err := store.ListUnits(ctx)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestNewUnit_DefaultsEnabled(t *testing.T) {
	req := unitRequest("prod", "web")
	assert.True(t, NewUnit(&req).Enabled)

	off := false
	req.Enabled = &off
	unit := NewUnit(&req)
	assert.False(t, unit.Enabled)
	assert.NotEmpty(t, unit.ID)
}

func TestApplyUpdate(t *testing.T) {
	req := unitRequest("prod", "web")
	unit := NewUnit(&req)

	scope := "tier"
	require.NoError(t, ApplyUpdate(unit, &domain.UpdateUnitRequest{Scope: &scope, Tags: []string{"db"}}))
	assert.Equal(t, "tier", unit.Scope)
	assert.Equal(t, []string{"db"}, unit.Tags)
	assert.Equal(t, "prod", unit.Name)

	err := ApplyUpdate(unit, &domain.UpdateUnitRequest{Targets: []domain.Target{{Name: "fw1", URL: "not a url"}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
