package store

import (
	"context"
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for Spaceport entities.
type Store interface {
	// Space operations
	CreateSpace(ctx context.Context, space *domain.Space) error
	GetSpace(ctx context.Context, id string) (*domain.Space, error)
	GetSpaceBySlug(ctx context.Context, slug string) (*domain.Space, error)
	UpdateSpace(ctx context.Context, space *domain.Space) error
	DeleteSpace(ctx context.Context, id string) error
	ListSpaces(ctx context.Context, opts ListOptions) ([]domain.Space, error)
	ListSpacesByStatus(ctx context.Context, status domain.SpaceStatus) ([]domain.Space, error)
	GetUsedHostPorts(ctx context.Context) ([]int, error)
	TouchSpaceAccess(ctx context.Context, id string, accessedAt time.Time) error

	// Build operations
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuild(ctx context.Context, id string) (*domain.Build, error)
	UpdateBuild(ctx context.Context, build *domain.Build) error
	ListBuildsBySpace(ctx context.Context, spaceID string, opts ListOptions) ([]domain.Build, error)
	NextBuildNumber(ctx context.Context, spaceID string) (int, error)
	ClaimQueuedBuild(ctx context.Context) (*domain.Build, error)

	// Secret operations
	CreateSecret(ctx context.Context, secret *domain.Secret) error
	GetSecret(ctx context.Context, spaceID, name string) (*domain.Secret, error)
	UpdateSecret(ctx context.Context, secret *domain.Secret) error
	DeleteSecret(ctx context.Context, spaceID, name string) error
	ListSecretsBySpace(ctx context.Context, spaceID string) ([]domain.Secret, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.SpaceEvent) error
	ListEventsBySpace(ctx context.Context, spaceID string, limit int, eventType *string) ([]domain.SpaceEvent, error)

	// API token operations
	CreateAPIToken(ctx context.Context, token *domain.APIToken) error
	ListAPITokens(ctx context.Context) ([]domain.APIToken, error)
	DeleteAPIToken(ctx context.Context, id string) error
	TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
