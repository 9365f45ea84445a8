// Package storage defines persistence for integration units, API keys and
// sync run history.
package storage

import (
	"context"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Integration units
	CreateUnit(ctx context.Context, unit *domain.IntegrationUnit) error
	GetUnit(ctx context.Context, id string) (*domain.IntegrationUnit, error)
	GetUnitByName(ctx context.Context, name string) (*domain.IntegrationUnit, error)
	ListUnits(ctx context.Context) ([]*domain.IntegrationUnit, error)
	UpdateUnit(ctx context.Context, unit *domain.IntegrationUnit) error
	DeleteUnit(ctx context.Context, id string) error

	// Sync runs
	CreateSyncRun(ctx context.Context, run *domain.SyncRun) error
	GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error)
	GetLatestSyncRun(ctx context.Context, unitID string) (*domain.SyncRun, error)
	// ListSyncRuns returns runs newest first; an empty unitID lists all units.
	ListSyncRuns(ctx context.Context, unitID string, limit, offset int) ([]*domain.SyncRun, error)
	UpdateSyncRun(ctx context.Context, run *domain.SyncRun) error

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}
