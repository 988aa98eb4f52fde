package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Types
// =============================================================================

// spaceRow represents a space row in the database.
type spaceRow struct {
	ID           string  `db:"id"`
	Name         string  `db:"name"`
	Slug         string  `db:"slug"`
	Description  string  `db:"description"`
	Kind         string  `db:"kind"`
	RecipeSpec   string  `db:"recipe_spec"`
	ComposeSpec  string  `db:"compose_spec"`
	BundleDir    string  `db:"bundle_dir"`
	Port         int     `db:"port"`
	ImageTag     string  `db:"image_tag"`
	ContainerID  string  `db:"container_id"`
	HostPort     int     `db:"host_port"`
	Status       string  `db:"status"`
	SecretNames  *string `db:"secret_names"`
	Variables    *string `db:"variables"`
	SleepTTLSecs int64   `db:"sleep_ttl_seconds"`
	ErrorMessage string  `db:"error_message"`
	LastAccessAt *string `db:"last_access_at"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	StartedAt    *string `db:"started_at"`
	StoppedAt    *string `db:"stopped_at"`
}

// buildRow represents a build row in the database.
type buildRow struct {
	ID           string  `db:"id"`
	SpaceID      string  `db:"space_id"`
	Number       int     `db:"number"`
	Status       string  `db:"status"`
	ImageTag     string  `db:"image_tag"`
	Log          string  `db:"log"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	StartedAt    *string `db:"started_at"`
	FinishedAt   *string `db:"finished_at"`
}

// secretRow represents a secret row in the database.
type secretRow struct {
	ID         string `db:"id"`
	SpaceID    string `db:"space_id"`
	Name       string `db:"name"`
	Ciphertext []byte `db:"ciphertext"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

// eventRow represents an event row in the database.
type eventRow struct {
	ID        string `db:"id"`
	SpaceID   string `db:"space_id"`
	Type      string `db:"type"`
	Message   string `db:"message"`
	CreatedAt string `db:"created_at"`
}

// tokenRow represents an API token row in the database.
type tokenRow struct {
	ID         string  `db:"id"`
	Name       string  `db:"name"`
	Hash       string  `db:"hash"`
	Hint       string  `db:"hint"`
	CreatedAt  string  `db:"created_at"`
	LastUsedAt *string `db:"last_used_at"`
}

// =============================================================================
// Space Operations
// =============================================================================

func (s *SQLiteStore) CreateSpace(ctx context.Context, space *domain.Space) error {
	return createSpace(ctx, s.db, space)
}

func (s *SQLiteStore) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	return getSpace(ctx, s.db, id)
}

func (s *SQLiteStore) GetSpaceBySlug(ctx context.Context, slug string) (*domain.Space, error) {
	return getSpaceBySlug(ctx, s.db, slug)
}

func (s *SQLiteStore) UpdateSpace(ctx context.Context, space *domain.Space) error {
	return updateSpace(ctx, s.db, space)
}

func (s *SQLiteStore) DeleteSpace(ctx context.Context, id string) error {
	return deleteSpace(ctx, s.db, id)
}

func (s *SQLiteStore) ListSpaces(ctx context.Context, opts ListOptions) ([]domain.Space, error) {
	return listSpaces(ctx, s.db, opts)
}

func (s *SQLiteStore) ListSpacesByStatus(ctx context.Context, status domain.SpaceStatus) ([]domain.Space, error) {
	return listSpacesByStatus(ctx, s.db, status)
}

func (s *SQLiteStore) GetUsedHostPorts(ctx context.Context) ([]int, error) {
	return getUsedHostPorts(ctx, s.db)
}

func (s *SQLiteStore) TouchSpaceAccess(ctx context.Context, id string, accessedAt time.Time) error {
	return touchSpaceAccess(ctx, s.db, id, accessedAt)
}

// =============================================================================
// Build Operations
// =============================================================================

func (s *SQLiteStore) CreateBuild(ctx context.Context, build *domain.Build) error {
	return createBuild(ctx, s.db, build)
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*domain.Build, error) {
	return getBuild(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateBuild(ctx context.Context, build *domain.Build) error {
	return updateBuild(ctx, s.db, build)
}

func (s *SQLiteStore) ListBuildsBySpace(ctx context.Context, spaceID string, opts ListOptions) ([]domain.Build, error) {
	return listBuildsBySpace(ctx, s.db, spaceID, opts)
}

func (s *SQLiteStore) NextBuildNumber(ctx context.Context, spaceID string) (int, error) {
	return nextBuildNumber(ctx, s.db, spaceID)
}

func (s *SQLiteStore) ClaimQueuedBuild(ctx context.Context) (*domain.Build, error) {
	var claimed *domain.Build
	err := s.WithTx(ctx, func(tx Store) error {
		b, err := claimQueuedBuild(ctx, tx.(*txSQLiteStore).tx)
		if err != nil {
			return err
		}
		claimed = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// =============================================================================
// Secret Operations
// =============================================================================

func (s *SQLiteStore) CreateSecret(ctx context.Context, secret *domain.Secret) error {
	return createSecret(ctx, s.db, secret)
}

func (s *SQLiteStore) GetSecret(ctx context.Context, spaceID, name string) (*domain.Secret, error) {
	return getSecret(ctx, s.db, spaceID, name)
}

func (s *SQLiteStore) UpdateSecret(ctx context.Context, secret *domain.Secret) error {
	return updateSecret(ctx, s.db, secret)
}

func (s *SQLiteStore) DeleteSecret(ctx context.Context, spaceID, name string) error {
	return deleteSecret(ctx, s.db, spaceID, name)
}

func (s *SQLiteStore) ListSecretsBySpace(ctx context.Context, spaceID string) ([]domain.Secret, error) {
	return listSecretsBySpace(ctx, s.db, spaceID)
}

// =============================================================================
// Event Operations
// =============================================================================

func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.SpaceEvent) error {
	return createEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListEventsBySpace(ctx context.Context, spaceID string, limit int, eventType *string) ([]domain.SpaceEvent, error) {
	return listEventsBySpace(ctx, s.db, spaceID, limit, eventType)
}

// =============================================================================
// API Token Operations
// =============================================================================

func (s *SQLiteStore) CreateAPIToken(ctx context.Context, token *domain.APIToken) error {
	return createAPIToken(ctx, s.db, token)
}

func (s *SQLiteStore) ListAPITokens(ctx context.Context) ([]domain.APIToken, error) {
	return listAPITokens(ctx, s.db)
}

func (s *SQLiteStore) DeleteAPIToken(ctx context.Context, id string) error {
	return deleteAPIToken(ctx, s.db, id)
}

func (s *SQLiteStore) TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error {
	return touchAPIToken(ctx, s.db, id, usedAt)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateSpace(ctx context.Context, space *domain.Space) error {
	return createSpace(ctx, s.tx, space)
}

func (s *txSQLiteStore) GetSpace(ctx context.Context, id string) (*domain.Space, error) {
	return getSpace(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetSpaceBySlug(ctx context.Context, slug string) (*domain.Space, error) {
	return getSpaceBySlug(ctx, s.tx, slug)
}

func (s *txSQLiteStore) UpdateSpace(ctx context.Context, space *domain.Space) error {
	return updateSpace(ctx, s.tx, space)
}

func (s *txSQLiteStore) DeleteSpace(ctx context.Context, id string) error {
	return deleteSpace(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListSpaces(ctx context.Context, opts ListOptions) ([]domain.Space, error) {
	return listSpaces(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListSpacesByStatus(ctx context.Context, status domain.SpaceStatus) ([]domain.Space, error) {
	return listSpacesByStatus(ctx, s.tx, status)
}

func (s *txSQLiteStore) GetUsedHostPorts(ctx context.Context) ([]int, error) {
	return getUsedHostPorts(ctx, s.tx)
}

func (s *txSQLiteStore) TouchSpaceAccess(ctx context.Context, id string, accessedAt time.Time) error {
	return touchSpaceAccess(ctx, s.tx, id, accessedAt)
}

func (s *txSQLiteStore) CreateBuild(ctx context.Context, build *domain.Build) error {
	return createBuild(ctx, s.tx, build)
}

func (s *txSQLiteStore) GetBuild(ctx context.Context, id string) (*domain.Build, error) {
	return getBuild(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateBuild(ctx context.Context, build *domain.Build) error {
	return updateBuild(ctx, s.tx, build)
}

func (s *txSQLiteStore) ListBuildsBySpace(ctx context.Context, spaceID string, opts ListOptions) ([]domain.Build, error) {
	return listBuildsBySpace(ctx, s.tx, spaceID, opts)
}

func (s *txSQLiteStore) NextBuildNumber(ctx context.Context, spaceID string) (int, error) {
	return nextBuildNumber(ctx, s.tx, spaceID)
}

func (s *txSQLiteStore) ClaimQueuedBuild(ctx context.Context) (*domain.Build, error) {
	return claimQueuedBuild(ctx, s.tx)
}

func (s *txSQLiteStore) CreateSecret(ctx context.Context, secret *domain.Secret) error {
	return createSecret(ctx, s.tx, secret)
}

func (s *txSQLiteStore) GetSecret(ctx context.Context, spaceID, name string) (*domain.Secret, error) {
	return getSecret(ctx, s.tx, spaceID, name)
}

func (s *txSQLiteStore) UpdateSecret(ctx context.Context, secret *domain.Secret) error {
	return updateSecret(ctx, s.tx, secret)
}

func (s *txSQLiteStore) DeleteSecret(ctx context.Context, spaceID, name string) error {
	return deleteSecret(ctx, s.tx, spaceID, name)
}

func (s *txSQLiteStore) ListSecretsBySpace(ctx context.Context, spaceID string) ([]domain.Secret, error) {
	return listSecretsBySpace(ctx, s.tx, spaceID)
}

func (s *txSQLiteStore) CreateEvent(ctx context.Context, event *domain.SpaceEvent) error {
	return createEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListEventsBySpace(ctx context.Context, spaceID string, limit int, eventType *string) ([]domain.SpaceEvent, error) {
	return listEventsBySpace(ctx, s.tx, spaceID, limit, eventType)
}

func (s *txSQLiteStore) CreateAPIToken(ctx context.Context, token *domain.APIToken) error {
	return createAPIToken(ctx, s.tx, token)
}

func (s *txSQLiteStore) ListAPITokens(ctx context.Context) ([]domain.APIToken, error) {
	return listAPITokens(ctx, s.tx)
}

func (s *txSQLiteStore) DeleteAPIToken(ctx context.Context, id string) error {
	return deleteAPIToken(ctx, s.tx, id)
}

func (s *txSQLiteStore) TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error {
	return touchAPIToken(ctx, s.tx, id, usedAt)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions - Spaces
// =============================================================================

func createSpace(ctx context.Context, exec executor, space *domain.Space) error {
	row, err := spaceToRowMap(space, "CreateSpace")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO spaces (
			id, name, slug, description, kind, recipe_spec, compose_spec,
			bundle_dir, port, image_tag, container_id, host_port, status,
			secret_names, variables, sleep_ttl_seconds, error_message,
			last_access_at, created_at, updated_at, started_at, stopped_at
		) VALUES (
			:id, :name, :slug, :description, :kind, :recipe_spec, :compose_spec,
			:bundle_dir, :port, :image_tag, :container_id, :host_port, :status,
			:secret_names, :variables, :sleep_ttl_seconds, :error_message,
			:last_access_at, :created_at, :updated_at, :started_at, :stopped_at
		)`

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: spaces.id") {
			return NewStoreError("CreateSpace", "space", space.ID, "space with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: spaces.slug") {
			return NewStoreError("CreateSpace", "space", space.ID, "space with this slug already exists", ErrDuplicateSlug)
		}
		return NewStoreError("CreateSpace", "space", space.ID, err.Error(), err)
	}

	return nil
}

func getSpace(ctx context.Context, exec executor, id string) (*domain.Space, error) {
	query := `SELECT * FROM spaces WHERE id = ?`

	var row spaceRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSpace", "space", id, "space not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSpace", "space", id, err.Error(), err)
	}

	return rowToSpace(&row)
}

func getSpaceBySlug(ctx context.Context, exec executor, slug string) (*domain.Space, error) {
	query := `SELECT * FROM spaces WHERE slug = ?`

	var row spaceRow
	err := exec.GetContext(ctx, &row, query, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSpaceBySlug", "space", slug, "space not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSpaceBySlug", "space", slug, err.Error(), err)
	}

	return rowToSpace(&row)
}

func updateSpace(ctx context.Context, exec executor, space *domain.Space) error {
	row, err := spaceToRowMap(space, "UpdateSpace")
	if err != nil {
		return err
	}

	query := `
		UPDATE spaces SET
			name = :name,
			slug = :slug,
			description = :description,
			kind = :kind,
			recipe_spec = :recipe_spec,
			compose_spec = :compose_spec,
			bundle_dir = :bundle_dir,
			port = :port,
			image_tag = :image_tag,
			container_id = :container_id,
			host_port = :host_port,
			status = :status,
			secret_names = :secret_names,
			variables = :variables,
			sleep_ttl_seconds = :sleep_ttl_seconds,
			error_message = :error_message,
			last_access_at = :last_access_at,
			updated_at = :updated_at,
			started_at = :started_at,
			stopped_at = :stopped_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: spaces.slug") {
			return NewStoreError("UpdateSpace", "space", space.ID, "space with this slug already exists", ErrDuplicateSlug)
		}
		return NewStoreError("UpdateSpace", "space", space.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateSpace", "space", space.ID, "space not found", ErrNotFound)
	}

	return nil
}

func deleteSpace(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM spaces WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteSpace", "space", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteSpace", "space", id, "space not found", ErrNotFound)
	}

	return nil
}

func listSpaces(ctx context.Context, exec executor, opts ListOptions) ([]domain.Space, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM spaces ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []spaceRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListSpaces", "space", "", err.Error(), err)
	}

	spaces := make([]domain.Space, 0, len(rows))
	for _, row := range rows {
		space, err := rowToSpace(&row)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, *space)
	}

	return spaces, nil
}

func listSpacesByStatus(ctx context.Context, exec executor, status domain.SpaceStatus) ([]domain.Space, error) {
	query := `SELECT * FROM spaces WHERE status = ? ORDER BY created_at DESC`

	var rows []spaceRow
	err := exec.SelectContext(ctx, &rows, query, string(status))
	if err != nil {
		return nil, NewStoreError("ListSpacesByStatus", "space", "", err.Error(), err)
	}

	spaces := make([]domain.Space, 0, len(rows))
	for _, row := range rows {
		space, err := rowToSpace(&row)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, *space)
	}

	return spaces, nil
}

func getUsedHostPorts(ctx context.Context, exec executor) ([]int, error) {
	query := `SELECT host_port FROM spaces WHERE host_port > 0`

	var ports []int
	err := exec.SelectContext(ctx, &ports, query)
	if err != nil {
		return nil, NewStoreError("GetUsedHostPorts", "space", "", err.Error(), err)
	}

	return ports, nil
}

func touchSpaceAccess(ctx context.Context, exec executor, id string, accessedAt time.Time) error {
	query := `UPDATE spaces SET last_access_at = ? WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, accessedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return NewStoreError("TouchSpaceAccess", "space", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("TouchSpaceAccess", "space", id, "space not found", ErrNotFound)
	}

	return nil
}

// =============================================================================
// Shared Implementation Functions - Builds
// =============================================================================

func createBuild(ctx context.Context, exec executor, build *domain.Build) error {
	query := `
		INSERT INTO builds (
			id, space_id, number, status, image_tag, log, error_message,
			created_at, started_at, finished_at
		) VALUES (
			:id, :space_id, :number, :status, :image_tag, :log, :error_message,
			:created_at, :started_at, :finished_at
		)`

	row := map[string]any{
		"id":            build.ID,
		"space_id":      build.SpaceID,
		"number":        build.Number,
		"status":        string(build.Status),
		"image_tag":     build.ImageTag,
		"log":           build.Log,
		"error_message": build.ErrorMessage,
		"created_at":    build.CreatedAt.Format(time.RFC3339),
		"started_at":    formatTimePtr(build.StartedAt),
		"finished_at":   formatTimePtr(build.FinishedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: builds.id") {
			return NewStoreError("CreateBuild", "build", build.ID, "build with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateBuild", "build", build.ID, "space not found", ErrForeignKey)
		}
		return NewStoreError("CreateBuild", "build", build.ID, err.Error(), err)
	}

	return nil
}

func getBuild(ctx context.Context, exec executor, id string) (*domain.Build, error) {
	query := `SELECT * FROM builds WHERE id = ?`

	var row buildRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBuild", "build", id, "build not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBuild", "build", id, err.Error(), err)
	}

	return rowToBuild(&row), nil
}

func updateBuild(ctx context.Context, exec executor, build *domain.Build) error {
	query := `
		UPDATE builds SET
			status = :status,
			image_tag = :image_tag,
			log = :log,
			error_message = :error_message,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE id = :id`

	row := map[string]any{
		"id":            build.ID,
		"status":        string(build.Status),
		"image_tag":     build.ImageTag,
		"log":           build.Log,
		"error_message": build.ErrorMessage,
		"started_at":    formatTimePtr(build.StartedAt),
		"finished_at":   formatTimePtr(build.FinishedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateBuild", "build", build.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateBuild", "build", build.ID, "build not found", ErrNotFound)
	}

	return nil
}

func listBuildsBySpace(ctx context.Context, exec executor, spaceID string, opts ListOptions) ([]domain.Build, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM builds WHERE space_id = ? ORDER BY number DESC LIMIT ? OFFSET ?`

	var rows []buildRow
	err := exec.SelectContext(ctx, &rows, query, spaceID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListBuildsBySpace", "build", "", err.Error(), err)
	}

	builds := make([]domain.Build, 0, len(rows))
	for _, row := range rows {
		builds = append(builds, *rowToBuild(&row))
	}

	return builds, nil
}

func nextBuildNumber(ctx context.Context, exec executor, spaceID string) (int, error) {
	query := `SELECT COALESCE(MAX(number), 0) + 1 FROM builds WHERE space_id = ?`

	var number int
	err := exec.GetContext(ctx, &number, query, spaceID)
	if err != nil {
		return 0, NewStoreError("NextBuildNumber", "build", spaceID, err.Error(), err)
	}

	return number, nil
}

// claimQueuedBuild picks the oldest queued build and marks it running.
// Callers must run this inside a transaction so two workers cannot claim
// the same build.
func claimQueuedBuild(ctx context.Context, exec executor) (*domain.Build, error) {
	query := `SELECT * FROM builds WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1`

	var row buildRow
	err := exec.GetContext(ctx, &row, query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("ClaimQueuedBuild", "build", "", "no queued builds", ErrNotFound)
		}
		return nil, NewStoreError("ClaimQueuedBuild", "build", "", err.Error(), err)
	}

	build := rowToBuild(&row)
	if err := build.Start(); err != nil {
		return nil, NewStoreError("ClaimQueuedBuild", "build", build.ID, err.Error(), err)
	}
	if err := updateBuild(ctx, exec, build); err != nil {
		return nil, err
	}

	return build, nil
}

// =============================================================================
// Shared Implementation Functions - Secrets
// =============================================================================

func createSecret(ctx context.Context, exec executor, secret *domain.Secret) error {
	query := `
		INSERT INTO secrets (id, space_id, name, ciphertext, created_at, updated_at)
		VALUES (:id, :space_id, :name, :ciphertext, :created_at, :updated_at)`

	row := map[string]any{
		"id":         secret.ID,
		"space_id":   secret.SpaceID,
		"name":       secret.Name,
		"ciphertext": secret.Ciphertext,
		"created_at": secret.CreatedAt.Format(time.RFC3339),
		"updated_at": secret.UpdatedAt.Format(time.RFC3339),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: secrets.space_id, secrets.name") {
			return NewStoreError("CreateSecret", "secret", secret.Name, "secret with this name already exists", ErrDuplicateSecret)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateSecret", "secret", secret.ID, "space not found", ErrForeignKey)
		}
		return NewStoreError("CreateSecret", "secret", secret.ID, err.Error(), err)
	}

	return nil
}

func getSecret(ctx context.Context, exec executor, spaceID, name string) (*domain.Secret, error) {
	query := `SELECT * FROM secrets WHERE space_id = ? AND name = ?`

	var row secretRow
	err := exec.GetContext(ctx, &row, query, spaceID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSecret", "secret", name, "secret not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSecret", "secret", name, err.Error(), err)
	}

	return rowToSecret(&row), nil
}

func updateSecret(ctx context.Context, exec executor, secret *domain.Secret) error {
	query := `UPDATE secrets SET ciphertext = ?, updated_at = ? WHERE space_id = ? AND name = ?`

	result, err := exec.ExecContext(ctx, query,
		secret.Ciphertext, secret.UpdatedAt.Format(time.RFC3339), secret.SpaceID, secret.Name)
	if err != nil {
		return NewStoreError("UpdateSecret", "secret", secret.Name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateSecret", "secret", secret.Name, "secret not found", ErrNotFound)
	}

	return nil
}

func deleteSecret(ctx context.Context, exec executor, spaceID, name string) error {
	query := `DELETE FROM secrets WHERE space_id = ? AND name = ?`

	result, err := exec.ExecContext(ctx, query, spaceID, name)
	if err != nil {
		return NewStoreError("DeleteSecret", "secret", name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteSecret", "secret", name, "secret not found", ErrNotFound)
	}

	return nil
}

func listSecretsBySpace(ctx context.Context, exec executor, spaceID string) ([]domain.Secret, error) {
	query := `SELECT * FROM secrets WHERE space_id = ? ORDER BY name ASC`

	var rows []secretRow
	err := exec.SelectContext(ctx, &rows, query, spaceID)
	if err != nil {
		return nil, NewStoreError("ListSecretsBySpace", "secret", "", err.Error(), err)
	}

	secrets := make([]domain.Secret, 0, len(rows))
	for _, row := range rows {
		secrets = append(secrets, *rowToSecret(&row))
	}

	return secrets, nil
}

// =============================================================================
// Shared Implementation Functions - Events
// =============================================================================

func createEvent(ctx context.Context, exec executor, event *domain.SpaceEvent) error {
	query := `
		INSERT INTO events (id, space_id, type, message, created_at)
		VALUES (:id, :space_id, :type, :message, :created_at)`

	row := map[string]any{
		"id":         event.ID,
		"space_id":   event.SpaceID,
		"type":       string(event.Type),
		"message":    event.Message,
		"created_at": event.CreatedAt.Format(time.RFC3339),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateEvent", "event", event.ID, "space not found", ErrForeignKey)
		}
		return NewStoreError("CreateEvent", "event", event.ID, err.Error(), err)
	}

	return nil
}

func listEventsBySpace(ctx context.Context, exec executor, spaceID string, limit int, eventType *string) ([]domain.SpaceEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT * FROM events WHERE space_id = ?`
	args := []any{spaceID}
	if eventType != nil {
		query += ` AND type = ?`
		args = append(args, *eventType)
	}
	// rowid breaks ties between events recorded within the same second
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	err := exec.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, NewStoreError("ListEventsBySpace", "event", "", err.Error(), err)
	}

	events := make([]domain.SpaceEvent, 0, len(rows))
	for _, row := range rows {
		createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
		events = append(events, domain.SpaceEvent{
			ID:        row.ID,
			SpaceID:   row.SpaceID,
			Type:      domain.SpaceEventType(row.Type),
			Message:   row.Message,
			CreatedAt: createdAt,
		})
	}

	return events, nil
}

// =============================================================================
// Shared Implementation Functions - API Tokens
// =============================================================================

func createAPIToken(ctx context.Context, exec executor, token *domain.APIToken) error {
	query := `
		INSERT INTO api_tokens (id, name, hash, hint, created_at, last_used_at)
		VALUES (:id, :name, :hash, :hint, :created_at, :last_used_at)`

	row := map[string]any{
		"id":           token.ID,
		"name":         token.Name,
		"hash":         token.Hash,
		"hint":         token.Hint,
		"created_at":   token.CreatedAt.Format(time.RFC3339),
		"last_used_at": formatTimePtr(token.LastUsedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: api_tokens.id") {
			return NewStoreError("CreateAPIToken", "api_token", token.ID, "token with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateAPIToken", "api_token", token.ID, err.Error(), err)
	}

	return nil
}

func listAPITokens(ctx context.Context, exec executor) ([]domain.APIToken, error) {
	query := `SELECT * FROM api_tokens ORDER BY created_at DESC`

	var rows []tokenRow
	err := exec.SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, NewStoreError("ListAPITokens", "api_token", "", err.Error(), err)
	}

	tokens := make([]domain.APIToken, 0, len(rows))
	for _, row := range rows {
		createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
		tokens = append(tokens, domain.APIToken{
			ID:         row.ID,
			Name:       row.Name,
			Hash:       row.Hash,
			Hint:       row.Hint,
			CreatedAt:  createdAt,
			LastUsedAt: parseTimePtr(row.LastUsedAt),
		})
	}

	return tokens, nil
}

func deleteAPIToken(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM api_tokens WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteAPIToken", "api_token", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteAPIToken", "api_token", id, "token not found", ErrNotFound)
	}

	return nil
}

func touchAPIToken(ctx context.Context, exec executor, id string, usedAt time.Time) error {
	query := `UPDATE api_tokens SET last_used_at = ? WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, usedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return NewStoreError("TouchAPIToken", "api_token", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("TouchAPIToken", "api_token", id, "token not found", ErrNotFound)
	}

	return nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// spaceToRowMap converts a domain.Space to named query arguments.
func spaceToRowMap(space *domain.Space, op string) (map[string]any, error) {
	secretNamesJSON, err := json.Marshal(space.SecretNames)
	if err != nil {
		return nil, NewStoreError(op, "space", space.ID, "failed to serialize secret names", ErrInvalidData)
	}
	variablesJSON, err := json.Marshal(space.Variables)
	if err != nil {
		return nil, NewStoreError(op, "space", space.ID, "failed to serialize variables", ErrInvalidData)
	}

	return map[string]any{
		"id":                space.ID,
		"name":              space.Name,
		"slug":              space.Slug,
		"description":       space.Description,
		"kind":              string(space.Kind),
		"recipe_spec":       space.RecipeSpec,
		"compose_spec":      space.ComposeSpec,
		"bundle_dir":        space.BundleDir,
		"port":              space.Port,
		"image_tag":         space.ImageTag,
		"container_id":      space.ContainerID,
		"host_port":         space.HostPort,
		"status":            string(space.Status),
		"secret_names":      string(secretNamesJSON),
		"variables":         string(variablesJSON),
		"sleep_ttl_seconds": int64(space.SleepTTL / time.Second),
		"error_message":     space.ErrorMessage,
		"last_access_at":    formatTimePtr(space.LastAccessAt),
		"created_at":        space.CreatedAt.Format(time.RFC3339),
		"updated_at":        space.UpdatedAt.Format(time.RFC3339),
		"started_at":        formatTimePtr(space.StartedAt),
		"stopped_at":        formatTimePtr(space.StoppedAt),
	}, nil
}

// rowToSpace converts a database row to a domain.Space.
func rowToSpace(row *spaceRow) (*domain.Space, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	var secretNames []string
	if row.SecretNames != nil && *row.SecretNames != "" && *row.SecretNames != "null" {
		if err := json.Unmarshal([]byte(*row.SecretNames), &secretNames); err != nil {
			return nil, NewStoreError("rowToSpace", "space", row.ID, "failed to parse secret names", ErrInvalidData)
		}
	}

	var variables map[string]string
	if row.Variables != nil && *row.Variables != "" && *row.Variables != "null" {
		if err := json.Unmarshal([]byte(*row.Variables), &variables); err != nil {
			return nil, NewStoreError("rowToSpace", "space", row.ID, "failed to parse variables", ErrInvalidData)
		}
	}

	return &domain.Space{
		ID:           row.ID,
		Name:         row.Name,
		Slug:         row.Slug,
		Description:  row.Description,
		Kind:         domain.SpaceKind(row.Kind),
		RecipeSpec:   row.RecipeSpec,
		ComposeSpec:  row.ComposeSpec,
		BundleDir:    row.BundleDir,
		Port:         row.Port,
		ImageTag:     row.ImageTag,
		ContainerID:  row.ContainerID,
		HostPort:     row.HostPort,
		Status:       domain.SpaceStatus(row.Status),
		SecretNames:  secretNames,
		Variables:    variables,
		SleepTTL:     time.Duration(row.SleepTTLSecs) * time.Second,
		ErrorMessage: row.ErrorMessage,
		LastAccessAt: parseTimePtr(row.LastAccessAt),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		StartedAt:    parseTimePtr(row.StartedAt),
		StoppedAt:    parseTimePtr(row.StoppedAt),
	}, nil
}

// rowToBuild converts a database row to a domain.Build.
func rowToBuild(row *buildRow) *domain.Build {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)

	return &domain.Build{
		ID:           row.ID,
		SpaceID:      row.SpaceID,
		Number:       row.Number,
		Status:       domain.BuildStatus(row.Status),
		ImageTag:     row.ImageTag,
		Log:          row.Log,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    createdAt,
		StartedAt:    parseTimePtr(row.StartedAt),
		FinishedAt:   parseTimePtr(row.FinishedAt),
	}
}

// rowToSecret converts a database row to a domain.Secret.
func rowToSecret(row *secretRow) *domain.Secret {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	return &domain.Secret{
		ID:         row.ID,
		SpaceID:    row.SpaceID,
		Name:       row.Name,
		Ciphertext: row.Ciphertext,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}
