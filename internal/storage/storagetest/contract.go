// Package storagetest holds behaviour tests shared by storage implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/storage"
)

// Run exercises store against the storage.Storage contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
	t.Run("Units", func(t *testing.T) { testUnits(t, newStore(t)) })
	t.Run("SyncRuns", func(t *testing.T) { testSyncRuns(t, newStore(t)) })
	t.Run("Transaction", func(t *testing.T) { testTransaction(t, newStore(t)) })
}

// NewUnit returns a valid unit with a fresh ID.
func NewUnit(name string) *domain.IntegrationUnit {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.IntegrationUnit{
		ID:    uuid.New().String(),
		Name:  name,
		Scope: "env",
		Tags:  []string{"web", "db"},
		Managers: []domain.Manager{
			{Name: "nsx-a", Kind: domain.ManagerLocal, URL: "https://nsx-a.example"},
		},
		Targets: []domain.Target{
			{Name: "fw1", URL: "https://fw1.example", Domains: []string{"root", "dmz"}},
		},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testAPIKeys(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := &domain.APIKey{
		ID:        uuid.New().String(),
		Name:      "ci",
		KeyHash:   "hash-1",
		KeyPrefix: "abcd1234",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)

	_, err = s.GetAPIKeyByHash(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	got, err = s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	count, err := s.CountAPIKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteAPIKey(ctx, key.ID))
	assert.ErrorIs(t, s.DeleteAPIKey(ctx, key.ID), domain.ErrNotFound)

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testUnits(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	unit := NewUnit("prod")
	require.NoError(t, s.CreateUnit(ctx, unit))
	assert.ErrorIs(t, s.CreateUnit(ctx, NewUnit("prod")), domain.ErrAlreadyExists)

	got, err := s.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.Name, got.Name)
	assert.Equal(t, []string{"web", "db"}, got.Tags)
	assert.Equal(t, unit.Managers, got.Managers)
	assert.Equal(t, unit.Targets, got.Targets)
	assert.True(t, got.Enabled)

	byName, err := s.GetUnitByName(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, unit.ID, byName.ID)

	_, err = s.GetUnit(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got.Tags = []string{"app"}
	got.Enabled = false
	got.Targets[0].Domains = nil
	require.NoError(t, s.UpdateUnit(ctx, got))

	updated, err := s.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, updated.Tags)
	assert.False(t, updated.Enabled)
	assert.Empty(t, updated.Targets[0].Domains)

	other := NewUnit("lab")
	require.NoError(t, s.CreateUnit(ctx, other))
	other.Name = "prod"
	assert.ErrorIs(t, s.UpdateUnit(ctx, other), domain.ErrAlreadyExists)

	units, err := s.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "lab", units[0].Name)
	assert.Equal(t, "prod", units[1].Name)

	require.NoError(t, s.DeleteUnit(ctx, unit.ID))
	assert.ErrorIs(t, s.DeleteUnit(ctx, unit.ID), domain.ErrNotFound)
	assert.ErrorIs(t, s.UpdateUnit(ctx, unit), domain.ErrNotFound)
}

func testSyncRuns(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	unit := NewUnit("prod")
	require.NoError(t, s.CreateUnit(ctx, unit))

	base := time.Now().UTC().Truncate(time.Second)
	var ids []string
	for i := range 3 {
		run := &domain.SyncRun{
			ID:        uuid.New().String(),
			UnitID:    unit.ID,
			UnitName:  unit.Name,
			Status:    domain.RunPending,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateSyncRun(ctx, run))
		ids = append(ids, run.ID)
	}

	latest, err := s.GetLatestSyncRun(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.ID)

	finished := base.Add(time.Hour)
	latest.Status = domain.RunPartial
	latest.Report = `{"unit":"prod"}`
	latest.Error = "fw1/root v4 create_address a: rejected"
	latest.FinishedAt = &finished
	require.NoError(t, s.UpdateSyncRun(ctx, latest))

	got, err := s.GetSyncRun(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, got.Status)
	assert.Equal(t, `{"unit":"prod"}`, got.Report)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	page, err := s.ListSyncRuns(ctx, unit.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[0], page[1].ID)

	all, err := s.ListSyncRuns(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.GetLatestSyncRun(ctx, "other")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.DeleteUnit(ctx, unit.ID))
	all, err = s.ListSyncRuns(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testTransaction(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)

	unit := NewUnit("staged")
	require.NoError(t, tx.CreateUnit(ctx, unit))
	require.NoError(t, tx.Commit())

	got, err := s.GetUnitByName(ctx, "staged")
	require.NoError(t, err)
	assert.Equal(t, unit.ID, got.ID)

	_, err = tx.BeginTx(ctx)
	assert.Error(t, err)
}
