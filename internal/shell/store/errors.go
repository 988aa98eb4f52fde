// Package store persists Spaceport entities in SQLite.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

// Sentinels for the conditions callers branch on. The SQLite implementation
// translates driver errors (constraint violations in particular) onto these
// so the service layer never sees sqlite3 specifics.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrDuplicateID     = errors.New("entity with this ID already exists")
	ErrDuplicateSlug   = errors.New("space with this slug already exists")
	ErrDuplicateSecret = errors.New("secret with this name already exists for the space")
	ErrForeignKey      = errors.New("foreign key constraint violated")

	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")
	ErrInvalidData      = errors.New("invalid data format")
	ErrTxFailed         = errors.New("transaction failed")
)

// StoreError carries the failed operation and the entity it touched
// alongside the underlying cause.
type StoreError struct {
	Op      string // e.g. "CreateSpace"
	Entity  string // e.g. "space", "build"
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a StoreError.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}
