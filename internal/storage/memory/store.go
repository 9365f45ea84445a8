package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
type Store struct {
	mu sync.RWMutex

	apiKeys  map[string]*domain.APIKey          // key: id
	units    map[string]*domain.IntegrationUnit // key: id
	syncRuns map[string]*domain.SyncRun         // key: id
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		apiKeys:  make(map[string]*domain.APIKey),
		units:    make(map[string]*domain.IntegrationUnit),
		syncRuns: make(map[string]*domain.SyncRun),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return &Tx{store: s}, nil
}

// Tx is a no-op transaction for in-memory store.
type Tx struct {
	store *Store
}

func (t *Tx) Commit() error   { return nil }
func (t *Tx) Rollback() error { return nil }
func (t *Tx) Close() error    { return nil }
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, domain.ErrInvalidInput
}

// Forward all Tx methods to the underlying store
func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return t.store.CreateAPIKey(ctx, key)
}
func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return t.store.GetAPIKeyByHash(ctx, keyHash)
}
func (t *Tx) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return t.store.ListAPIKeys(ctx)
}
func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return t.store.DeleteAPIKey(ctx, id)
}
func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return t.store.UpdateAPIKeyLastUsed(ctx, id)
}
func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return t.store.CountAPIKeys(ctx)
}
func (t *Tx) CreateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	return t.store.CreateUnit(ctx, unit)
}
func (t *Tx) GetUnit(ctx context.Context, id string) (*domain.IntegrationUnit, error) {
	return t.store.GetUnit(ctx, id)
}
func (t *Tx) GetUnitByName(ctx context.Context, name string) (*domain.IntegrationUnit, error) {
	return t.store.GetUnitByName(ctx, name)
}
func (t *Tx) ListUnits(ctx context.Context) ([]*domain.IntegrationUnit, error) {
	return t.store.ListUnits(ctx)
}
func (t *Tx) UpdateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	return t.store.UpdateUnit(ctx, unit)
}
func (t *Tx) DeleteUnit(ctx context.Context, id string) error {
	return t.store.DeleteUnit(ctx, id)
}
func (t *Tx) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return t.store.CreateSyncRun(ctx, run)
}
func (t *Tx) GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	return t.store.GetSyncRun(ctx, id)
}
func (t *Tx) GetLatestSyncRun(ctx context.Context, unitID string) (*domain.SyncRun, error) {
	return t.store.GetLatestSyncRun(ctx, unitID)
}
func (t *Tx) ListSyncRuns(ctx context.Context, unitID string, limit, offset int) ([]*domain.SyncRun, error) {
	return t.store.ListSyncRuns(ctx, unitID, limit, offset)
}
func (t *Tx) UpdateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return t.store.UpdateSyncRun(ctx, run)
}

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrAlreadyExists
	}
	s.apiKeys[key.ID] = key
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			return key, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Integration units
// ============================================

// cloneUnit copies the slices so callers cannot mutate stored units.
func cloneUnit(u *domain.IntegrationUnit) *domain.IntegrationUnit {
	c := *u
	c.Tags = slices.Clone(u.Tags)
	c.Managers = slices.Clone(u.Managers)
	c.Targets = make([]domain.Target, len(u.Targets))
	for i, t := range u.Targets {
		t.Domains = slices.Clone(t.Domains)
		c.Targets[i] = t
	}
	return &c
}

func (s *Store) CreateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.units[unit.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, existing := range s.units {
		if existing.Name == unit.Name {
			return domain.ErrAlreadyExists
		}
	}
	s.units[unit.ID] = cloneUnit(unit)
	return nil
}

func (s *Store) GetUnit(ctx context.Context, id string) (*domain.IntegrationUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, exists := s.units[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return cloneUnit(unit), nil
}

func (s *Store) GetUnitByName(ctx context.Context, name string) (*domain.IntegrationUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, unit := range s.units {
		if unit.Name == name {
			return cloneUnit(unit), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListUnits(ctx context.Context) ([]*domain.IntegrationUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	units := make([]*domain.IntegrationUnit, 0, len(s.units))
	for _, unit := range s.units {
		units = append(units, cloneUnit(unit))
	}
	sort.Slice(units, func(i, j int) bool {
		return units[i].Name < units[j].Name
	})
	return units, nil
}

func (s *Store) UpdateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.units[unit.ID]; !exists {
		return domain.ErrNotFound
	}
	for _, existing := range s.units {
		if existing.Name == unit.Name && existing.ID != unit.ID {
			return domain.ErrAlreadyExists
		}
	}
	unit.UpdatedAt = time.Now()
	s.units[unit.ID] = cloneUnit(unit)
	return nil
}

func (s *Store) DeleteUnit(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.units[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.units, id)
	for runID, run := range s.syncRuns {
		if run.UnitID == id {
			delete(s.syncRuns, runID)
		}
	}
	return nil
}

// ============================================
// Sync runs
// ============================================

func (s *Store) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.syncRuns[run.ID]; exists {
		return domain.ErrAlreadyExists
	}
	c := *run
	s.syncRuns[run.ID] = &c
	return nil
}

func (s *Store) GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, exists := s.syncRuns[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	c := *run
	return &c, nil
}

func (s *Store) GetLatestSyncRun(ctx context.Context, unitID string) (*domain.SyncRun, error) {
	runs, err := s.ListSyncRuns(ctx, unitID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, domain.ErrNotFound
	}
	return runs[0], nil
}

func (s *Store) ListSyncRuns(ctx context.Context, unitID string, limit, offset int) ([]*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*domain.SyncRun, 0, len(s.syncRuns))
	for _, run := range s.syncRuns {
		if unitID != "" && run.UnitID != unitID {
			continue
		}
		c := *run
		runs = append(runs, &c)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if offset >= len(runs) {
		return []*domain.SyncRun{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(runs) {
		end = len(runs)
	}
	return runs[offset:end], nil
}

func (s *Store) UpdateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.syncRuns[run.ID]; !exists {
		return domain.ErrNotFound
	}
	c := *run
	s.syncRuns[run.ID] = &c
	return nil
}
