// Package spaces implements the space lifecycle service: create, build,
// start, stop, delete, secret management, and credential verification. It
// mediates between the store, the crypto layer, and the container runtime.
package spaces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/spaceport/internal/core/compose"
	"github.com/artpar/spaceport/internal/core/credential"
	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/monitoring"
	coreproxy "github.com/artpar/spaceport/internal/core/proxy"
	"github.com/artpar/spaceport/internal/core/recipe"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotBuildable is returned when queueing a build for a compose space.
	ErrNotBuildable = errors.New("compose spaces run prebuilt images and do not build")

	// ErrSecretNotBound is returned when a credential check names a secret
	// the space does not have.
	ErrSecretNotBound = errors.New("space has no secret with this name")
)

// =============================================================================
// Runtime
// =============================================================================

// Runtime is the container-side surface the service drives. The Docker
// orchestrator implements it. StopSpace keeps named volumes and the built
// image so the space can wake again; DestroySpace removes them too.
type Runtime interface {
	StartSpace(ctx context.Context, space *domain.Space, env map[string]string) (string, error)
	WaitForReady(ctx context.Context, space *domain.Space, timeout time.Duration) error
	StopSpace(ctx context.Context, space *domain.Space, timeout *time.Duration) error
	DestroySpace(ctx context.Context, space *domain.Space, timeout *time.Duration) error
}

var _ Runtime = (*docker.Orchestrator)(nil)

// =============================================================================
// Service
// =============================================================================

// Config configures the space service.
type Config struct {
	// PortRange is the host port range spaces bind to.
	PortRange coreproxy.PortRange

	// StopTimeout is how long containers get to shut down gracefully.
	// Default: 10 seconds.
	StopTimeout time.Duration

	// ReadyTimeout is how long a started space gets to have all its
	// containers running and healthy before the start is marked failed.
	// Default: 60 seconds.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		PortRange:    coreproxy.DefaultPortRange(),
		StopTimeout:  10 * time.Second,
		ReadyTimeout: 60 * time.Second,
	}
}

// Service owns the space lifecycle.
type Service struct {
	store         store.Store
	runtime       Runtime
	encryptionKey []byte
	config        Config
	logger        *slog.Logger
}

// NewService creates the space service. encryptionKey protects secret
// values at rest and must be at least 32 bytes (crypto.DeriveKey output).
func NewService(st store.Store, runtime Runtime, encryptionKey []byte, config Config, logger *slog.Logger) *Service {
	if config.PortRange.Start == 0 {
		config.PortRange = coreproxy.DefaultPortRange()
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = 10 * time.Second
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         st,
		runtime:       runtime,
		encryptionKey: encryptionKey,
		config:        config,
		logger:        logger.With("component", "spaces"),
	}
}

// =============================================================================
// Create / Delete
// =============================================================================

// Create validates the space definition and persists a new space.
// Dockerfile spaces with an empty recipe get the default recipe; their port
// follows the recipe. Compose spaces are validated against the per-space
// quota and are immediately buildable-free: they go straight to built.
func (s *Service) Create(ctx context.Context, name string, kind domain.SpaceKind, recipeSpec, composeSpec, bundleDir string) (*domain.Space, error) {
	switch kind {
	case domain.KindDockerfile:
		if recipeSpec == "" {
			var err error
			recipeSpec, err = recipe.Default().ToYAML()
			if err != nil {
				return nil, err
			}
		}
		r, err := recipe.FromYAML(recipeSpec)
		if err != nil {
			return nil, err
		}
		space, err := domain.NewSpace(name, kind, recipeSpec, "")
		if err != nil {
			return nil, err
		}
		space.Port = r.Port
		space.BundleDir = bundleDir
		if err := s.store.CreateSpace(ctx, space); err != nil {
			return nil, err
		}
		s.logger.Info("space created", "space", space.ID, "slug", space.Slug, "kind", kind)
		return space, nil

	case domain.KindCompose:
		space, err := domain.NewSpace(name, kind, "", composeSpec)
		if err != nil {
			return nil, err
		}
		project, err := compose.Parse(composeSpec, space.Port)
		if err != nil {
			return nil, err
		}
		if err := compose.CheckQuota(project, compose.DefaultQuota()); err != nil {
			return nil, err
		}
		// No image build step; the space is startable once created.
		if err := space.Transition(domain.StatusBuilding); err != nil {
			return nil, err
		}
		if err := space.Transition(domain.StatusBuilt); err != nil {
			return nil, err
		}
		if err := s.store.CreateSpace(ctx, space); err != nil {
			return nil, err
		}
		s.logger.Info("space created", "space", space.ID, "slug", space.Slug, "kind", kind)
		return space, nil

	default:
		return nil, domain.ErrInvalidKind
	}
}

// Delete stops the space's containers and removes it with all dependent
// records.
func (s *Service) Delete(ctx context.Context, spaceID string) error {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return err
	}

	// Running spaces go through stopping first so the transition table holds.
	if space.Status == domain.StatusRunning {
		if _, err := s.Stop(ctx, spaceID, false); err != nil {
			return err
		}
		space, err = s.store.GetSpace(ctx, spaceID)
		if err != nil {
			return err
		}
	}

	if err := space.Transition(domain.StatusDeleting); err != nil {
		return err
	}
	timeout := s.config.StopTimeout
	if err := s.runtime.DestroySpace(ctx, space, &timeout); err != nil {
		s.logger.Warn("failed to clean up containers on delete", "space", space.ID, "error", err)
	}

	if err := s.store.DeleteSpace(ctx, space.ID); err != nil {
		return err
	}
	s.logger.Info("space deleted", "space", space.ID, "slug", space.Slug)
	return nil
}

// =============================================================================
// Build
// =============================================================================

// QueueBuild enqueues an image build for a dockerfile space. The build
// runner picks it up.
func (s *Service) QueueBuild(ctx context.Context, spaceID string) (*domain.Build, error) {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if space.Kind != domain.KindDockerfile {
		return nil, ErrNotBuildable
	}

	number, err := s.store.NextBuildNumber(ctx, space.ID)
	if err != nil {
		return nil, err
	}
	build := domain.NewBuild(space.ID, number)
	if err := s.store.CreateBuild(ctx, build); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, space, domain.EventBuildQueued)

	s.logger.Info("build queued", "space", space.ID, "build", build.ID, "number", number)
	return build, nil
}

// =============================================================================
// Start / Stop
// =============================================================================

// Start brings the space up: allocates a host port, decrypts secrets into
// the container environment, starts the containers, and marks the space
// running.
func (s *Service) Start(ctx context.Context, spaceID string) (*domain.Space, error) {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	// A port kept from an earlier run is reused unless the configured range
	// has moved out from under it.
	if space.HostPort != 0 && !s.config.PortRange.Contains(space.HostPort) {
		space.HostPort = 0
	}
	if space.HostPort == 0 {
		used, err := s.store.GetUsedHostPorts(ctx)
		if err != nil {
			return nil, err
		}
		port, err := coreproxy.AllocatePort(used, s.config.PortRange)
		if err != nil {
			return nil, err
		}
		space.HostPort = port
	}

	env, err := s.resolveSecrets(ctx, space)
	if err != nil {
		return nil, err
	}

	if err := space.Transition(domain.StatusStarting); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSpace(ctx, space); err != nil {
		return nil, err
	}

	containerID, err := s.runtime.StartSpace(ctx, space, env)
	if err != nil {
		return nil, s.failStart(ctx, space, err)
	}

	// The space only counts as running once all its containers are up and
	// any health checks pass. Containers that crash right after start are
	// caught here instead of by the next health sweep.
	if err := s.runtime.WaitForReady(ctx, space, s.config.ReadyTimeout); err != nil {
		stopTimeout := s.config.StopTimeout
		if serr := s.runtime.StopSpace(ctx, space, &stopTimeout); serr != nil {
			s.logger.Warn("failed to clean up unready space", "space", space.ID, "error", serr)
		}
		return nil, s.failStart(ctx, space, err)
	}

	space.ContainerID = containerID
	if err := space.Transition(domain.StatusRunning); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSpace(ctx, space); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, space, domain.EventSpaceStarted)

	s.logger.Info("space started", "space", space.ID, "container", containerID, "host_port", space.HostPort)
	return space, nil
}

// Stop brings the space down. slept marks the stop as idle-reaper initiated
// so the event log distinguishes sleeps from manual stops.
func (s *Service) Stop(ctx context.Context, spaceID string, slept bool) (*domain.Space, error) {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	if err := space.Transition(domain.StatusStopping); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSpace(ctx, space); err != nil {
		return nil, err
	}

	timeout := s.config.StopTimeout
	if err := s.runtime.StopSpace(ctx, space, &timeout); err != nil {
		return nil, fmt.Errorf("failed to stop space %s: %w", space.ID, err)
	}

	if err := space.Transition(domain.StatusStopped); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSpace(ctx, space); err != nil {
		return nil, err
	}

	eventType := domain.EventSpaceStopped
	if slept {
		eventType = domain.EventSpaceSlept
	}
	s.recordEvent(ctx, space, eventType)

	s.logger.Info("space stopped", "space", space.ID, "slept", slept)
	return space, nil
}

// =============================================================================
// Secrets
// =============================================================================

// SetSecret encrypts and stores a secret value, creating or rotating it,
// and keeps the space's injected-secret list current.
func (s *Service) SetSecret(ctx context.Context, spaceID, name, value string) (*domain.Secret, error) {
	if value == "" {
		return nil, domain.ErrSecretValueEmpty
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}

	ciphertext, err := crypto.Encrypt([]byte(value), s.encryptionKey)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetSecret(ctx, space.ID, name)
	switch {
	case err == nil:
		existing.Ciphertext = ciphertext
		existing.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateSecret(ctx, existing); err != nil {
			return nil, err
		}
		s.logger.Info("secret rotated", "space", space.ID, "name", name)
		return existing, nil

	case errors.Is(err, store.ErrNotFound):
		secret, err := domain.NewSecret(space.ID, name, ciphertext)
		if err != nil {
			return nil, err
		}
		if err := s.store.CreateSecret(ctx, secret); err != nil {
			return nil, err
		}
		space.SecretNames = appendUnique(space.SecretNames, name)
		if err := s.store.UpdateSpace(ctx, space); err != nil {
			return nil, err
		}
		s.logger.Info("secret created", "space", space.ID, "name", name)
		return secret, nil

	default:
		return nil, err
	}
}

// RemoveSecret deletes a secret and unbinds it from the space.
func (s *Service) RemoveSecret(ctx context.Context, spaceID, name string) error {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSecret(ctx, space.ID, name); err != nil {
		return err
	}
	space.SecretNames = removeString(space.SecretNames, name)
	return s.store.UpdateSpace(ctx, space)
}

// resolveSecrets decrypts the space's secrets into an env map. Values exist
// in plaintext only in memory, between here and container create.
func (s *Service) resolveSecrets(ctx context.Context, space *domain.Space) (map[string]string, error) {
	secrets, err := s.store.ListSecretsBySpace(ctx, space.ID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(secrets))
	for _, secret := range secrets {
		plaintext, err := crypto.Decrypt(secret.Ciphertext, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secret %s: %w", secret.Name, err)
		}
		env[secret.Name] = string(plaintext)
	}
	return env, nil
}

// =============================================================================
// Credential Verification
// =============================================================================

// VerifyCredential checks that the named secret holds a valid service
// account credential and that it can sign an OAuth2 bearer assertion for
// the requested scopes. It returns the parsed account and the signed
// assertion. Empty scopes default to the Earth Engine scope.
func (s *Service) VerifyCredential(ctx context.Context, spaceID, secretName string, scopes []string) (*credential.ServiceAccount, string, error) {
	secret, err := s.store.GetSecret(ctx, spaceID, secretName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrSecretNotBound
		}
		return nil, "", err
	}

	plaintext, err := crypto.Decrypt(secret.Ciphertext, s.encryptionKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt secret %s: %w", secretName, err)
	}

	sa, err := credential.Parse(plaintext)
	if err != nil {
		return nil, "", err
	}

	if len(scopes) == 0 {
		scopes = []string{credential.ScopeEarthEngine}
	}
	assertion, err := sa.Assertion(scopes, time.Now().UTC(), credential.DefaultAssertionLifetime)
	if err != nil {
		return nil, "", err
	}
	return sa, assertion, nil
}

// =============================================================================
// Helpers
// =============================================================================

// failStart marks the space failed after an unsuccessful start attempt and
// returns the wrapped cause.
func (s *Service) failStart(ctx context.Context, space *domain.Space, err error) error {
	if ferr := space.TransitionToFailed(err.Error()); ferr == nil {
		if uerr := s.store.UpdateSpace(ctx, space); uerr != nil {
			s.logger.Error("failed to persist failed space", "space", space.ID, "error", uerr)
		}
	}
	return fmt.Errorf("failed to start space %s: %w", space.ID, err)
}

func (s *Service) recordEvent(ctx context.Context, space *domain.Space, eventType domain.SpaceEventType) {
	event := domain.NewSpaceEvent(space.ID, eventType, monitoring.EventMessage(eventType, space.Name))
	if err := s.store.CreateEvent(ctx, event); err != nil {
		s.logger.Warn("failed to record event", "space", space.ID, "type", eventType, "error", err)
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
