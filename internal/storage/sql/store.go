package sql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Ensure Store implements storage.Storage.
var _ storage.Storage = (*Store)(nil)

// New connects to the database and applies the embedded migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if driver == "sqlite3" {
		// One writer at a time; avoids "database is locked" under concurrent passes.
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func affectedOne(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ============================================
// API Keys
// ============================================

func createAPIKey(ctx context.Context, db dbInterface, key *domain.APIKey) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.LastUsedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, s.db, key)
}

func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, t.tx, key)
}

func getAPIKeyByHash(ctx context.Context, db dbInterface, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := db.GetContext(ctx, &key,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &key, err
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, s.db, keyHash)
}

func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, t.tx, keyHash)
}

func listAPIKeys(ctx context.Context, db dbInterface) ([]*domain.APIKey, error) {
	keys := []*domain.APIKey{}
	err := db.SelectContext(ctx, &keys,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, s.db)
}

func (t *Tx) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, t.tx)
}

func deleteAPIKey(ctx context.Context, db dbInterface, id string) error {
	return affectedOne(db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id))
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, s.db, id)
}

func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, t.tx, id)
}

func updateAPIKeyLastUsed(ctx context.Context, db dbInterface, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now(), id)
	return err
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, s.db, id)
}

func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, t.tx, id)
}

func countAPIKeys(ctx context.Context, db dbInterface) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, s.db)
}

func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, t.tx)
}

// ============================================
// Integration units
// ============================================

// unitRow is an integration_units row; managers and targets are stored as
// JSON documents and tags in unit_tags.
type unitRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Scope        string    `db:"scope"`
	ManagersJSON string    `db:"managers_json"`
	TargetsJSON  string    `db:"targets_json"`
	Enabled      bool      `db:"enabled"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const unitColumns = `id, name, scope, managers_json, targets_json, enabled, created_at, updated_at`

func rowToUnit(ctx context.Context, db dbInterface, row *unitRow) (*domain.IntegrationUnit, error) {
	unit := &domain.IntegrationUnit{
		ID:        row.ID,
		Name:      row.Name,
		Scope:     row.Scope,
		Enabled:   row.Enabled,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.ManagersJSON), &unit.Managers); err != nil {
		return nil, fmt.Errorf("decoding managers of unit %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.TargetsJSON), &unit.Targets); err != nil {
		return nil, fmt.Errorf("decoding targets of unit %s: %w", row.Name, err)
	}
	tags := []string{}
	if err := db.SelectContext(ctx, &tags,
		`SELECT tag FROM unit_tags WHERE unit_id = $1 ORDER BY seq`, row.ID); err != nil {
		return nil, err
	}
	unit.Tags = tags
	return unit, nil
}

func marshalUnit(unit *domain.IntegrationUnit) (managers, targets string, err error) {
	m, err := json.Marshal(unit.Managers)
	if err != nil {
		return "", "", fmt.Errorf("encoding managers: %w", err)
	}
	t, err := json.Marshal(unit.Targets)
	if err != nil {
		return "", "", fmt.Errorf("encoding targets: %w", err)
	}
	return string(m), string(t), nil
}

func insertUnitTags(ctx context.Context, db dbInterface, unitID string, tags []string) error {
	for i, tag := range tags {
		_, err := db.ExecContext(ctx,
			`INSERT INTO unit_tags (unit_id, seq, tag) VALUES ($1, $2, $3)`, unitID, i, tag)
		if err != nil {
			return err
		}
	}
	return nil
}

func createUnit(ctx context.Context, db dbInterface, unit *domain.IntegrationUnit) error {
	managers, targets, err := marshalUnit(unit)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO integration_units (`+unitColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		unit.ID, unit.Name, unit.Scope, managers, targets, unit.Enabled, unit.CreatedAt, unit.UpdatedAt)
	if err != nil {
		return wrapUniqueError(err)
	}
	return insertUnitTags(ctx, db, unit.ID, unit.Tags)
}

func (s *Store) CreateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	return createUnit(ctx, s.db, unit)
}

func (t *Tx) CreateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	return createUnit(ctx, t.tx, unit)
}

func getUnitWhere(ctx context.Context, db dbInterface, column, value string) (*domain.IntegrationUnit, error) {
	var row unitRow
	err := db.GetContext(ctx, &row,
		`SELECT `+unitColumns+` FROM integration_units WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToUnit(ctx, db, &row)
}

func (s *Store) GetUnit(ctx context.Context, id string) (*domain.IntegrationUnit, error) {
	return getUnitWhere(ctx, s.db, "id", id)
}

func (t *Tx) GetUnit(ctx context.Context, id string) (*domain.IntegrationUnit, error) {
	return getUnitWhere(ctx, t.tx, "id", id)
}

func (s *Store) GetUnitByName(ctx context.Context, name string) (*domain.IntegrationUnit, error) {
	return getUnitWhere(ctx, s.db, "name", name)
}

func (t *Tx) GetUnitByName(ctx context.Context, name string) (*domain.IntegrationUnit, error) {
	return getUnitWhere(ctx, t.tx, "name", name)
}

func listUnits(ctx context.Context, db dbInterface) ([]*domain.IntegrationUnit, error) {
	var rows []*unitRow
	err := db.SelectContext(ctx, &rows,
		`SELECT `+unitColumns+` FROM integration_units ORDER BY name`)
	if err != nil {
		return nil, err
	}
	units := make([]*domain.IntegrationUnit, 0, len(rows))
	for _, row := range rows {
		unit, err := rowToUnit(ctx, db, row)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]*domain.IntegrationUnit, error) {
	return listUnits(ctx, s.db)
}

func (t *Tx) ListUnits(ctx context.Context) ([]*domain.IntegrationUnit, error) {
	return listUnits(ctx, t.tx)
}

func updateUnit(ctx context.Context, db dbInterface, unit *domain.IntegrationUnit) error {
	managers, targets, err := marshalUnit(unit)
	if err != nil {
		return err
	}
	unit.UpdatedAt = time.Now()
	result, err := db.ExecContext(ctx,
		`UPDATE integration_units
		 SET name = $1, scope = $2, managers_json = $3, targets_json = $4, enabled = $5, updated_at = $6
		 WHERE id = $7`,
		unit.Name, unit.Scope, managers, targets, unit.Enabled, unit.UpdatedAt, unit.ID)
	if err != nil {
		return wrapUniqueError(err)
	}
	if err := affectedOne(result, nil); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM unit_tags WHERE unit_id = $1`, unit.ID); err != nil {
		return err
	}
	return insertUnitTags(ctx, db, unit.ID, unit.Tags)
}

func (s *Store) UpdateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	return updateUnit(ctx, s.db, unit)
}

func (t *Tx) UpdateUnit(ctx context.Context, unit *domain.IntegrationUnit) error {
	return updateUnit(ctx, t.tx, unit)
}

func deleteUnit(ctx context.Context, db dbInterface, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM unit_tags WHERE unit_id = $1`, id); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_runs WHERE unit_id = $1`, id); err != nil {
		return err
	}
	return affectedOne(db.ExecContext(ctx, `DELETE FROM integration_units WHERE id = $1`, id))
}

func (s *Store) DeleteUnit(ctx context.Context, id string) error {
	return deleteUnit(ctx, s.db, id)
}

func (t *Tx) DeleteUnit(ctx context.Context, id string) error {
	return deleteUnit(ctx, t.tx, id)
}

// ============================================
// Sync runs
// ============================================

// unlimited stands in for "no LIMIT" in list queries.
const unlimited = 1 << 30

const runColumns = `id, unit_id, unit_name, status, report, error, started_at, finished_at`

func createSyncRun(ctx context.Context, db dbInterface, run *domain.SyncRun) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.UnitID, run.UnitName, run.Status, run.Report, run.Error, run.StartedAt, run.FinishedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return createSyncRun(ctx, s.db, run)
}

func (t *Tx) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return createSyncRun(ctx, t.tx, run)
}

func getSyncRun(ctx context.Context, db dbInterface, id string) (*domain.SyncRun, error) {
	var run domain.SyncRun
	err := db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &run, err
}

func (s *Store) GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	return getSyncRun(ctx, s.db, id)
}

func (t *Tx) GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	return getSyncRun(ctx, t.tx, id)
}

func getLatestSyncRun(ctx context.Context, db dbInterface, unitID string) (*domain.SyncRun, error) {
	var run domain.SyncRun
	err := db.GetContext(ctx, &run,
		`SELECT `+runColumns+` FROM sync_runs WHERE unit_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1`, unitID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return &run, err
}

func (s *Store) GetLatestSyncRun(ctx context.Context, unitID string) (*domain.SyncRun, error) {
	return getLatestSyncRun(ctx, s.db, unitID)
}

func (t *Tx) GetLatestSyncRun(ctx context.Context, unitID string) (*domain.SyncRun, error) {
	return getLatestSyncRun(ctx, t.tx, unitID)
}

func listSyncRuns(ctx context.Context, db dbInterface, unitID string, limit, offset int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = unlimited
	}
	runs := []*domain.SyncRun{}
	var err error
	if unitID == "" {
		err = db.SelectContext(ctx, &runs,
			`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		err = db.SelectContext(ctx, &runs,
			`SELECT `+runColumns+` FROM sync_runs WHERE unit_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2 OFFSET $3`,
			unitID, limit, offset)
	}
	return runs, err
}

func (s *Store) ListSyncRuns(ctx context.Context, unitID string, limit, offset int) ([]*domain.SyncRun, error) {
	return listSyncRuns(ctx, s.db, unitID, limit, offset)
}

func (t *Tx) ListSyncRuns(ctx context.Context, unitID string, limit, offset int) ([]*domain.SyncRun, error) {
	return listSyncRuns(ctx, t.tx, unitID, limit, offset)
}

func updateSyncRun(ctx context.Context, db dbInterface, run *domain.SyncRun) error {
	return affectedOne(db.ExecContext(ctx,
		`UPDATE sync_runs SET status = $1, report = $2, error = $3, finished_at = $4 WHERE id = $5`,
		run.Status, run.Report, run.Error, run.FinishedAt, run.ID))
}

func (s *Store) UpdateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return updateSyncRun(ctx, s.db, run)
}

func (t *Tx) UpdateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	return updateSyncRun(ctx, t.tx, run)
}
