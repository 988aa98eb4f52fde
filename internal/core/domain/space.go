// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// Name validation errors
	ErrNameRequired     = errors.New("name is required")
	ErrNameTooShort     = errors.New("name must be at least 3 characters")
	ErrNameTooLong      = errors.New("name must be at most 63 characters")
	ErrNameInvalidChars = errors.New("name can only contain alphanumeric characters, spaces, and hyphens")

	// Port validation errors
	ErrPortOutOfRange = errors.New("port must be between 1 and 65535")

	// Space definition errors
	ErrRecipeRequired  = errors.New("dockerfile space requires a recipe")
	ErrComposeRequired = errors.New("compose space requires a compose spec")
	ErrInvalidKind     = errors.New("invalid space kind")

	// State transition errors
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoImage           = errors.New("space has no built image")
)

// =============================================================================
// Space Kind
// =============================================================================

// SpaceKind describes how a space is defined.
type SpaceKind string

const (
	// KindDockerfile spaces carry a container recipe that is rendered to a
	// Dockerfile and built from the source bundle.
	KindDockerfile SpaceKind = "dockerfile"

	// KindCompose spaces carry a Docker Compose spec and run prebuilt images.
	KindCompose SpaceKind = "compose"
)

// IsValid checks if the space kind is known.
func (k SpaceKind) IsValid() bool {
	return k == KindDockerfile || k == KindCompose
}

// =============================================================================
// Space Status
// =============================================================================

type SpaceStatus string

const (
	StatusPending  SpaceStatus = "pending"
	StatusBuilding SpaceStatus = "building"
	StatusBuilt    SpaceStatus = "built"
	StatusStarting SpaceStatus = "starting"
	StatusRunning  SpaceStatus = "running"
	StatusStopping SpaceStatus = "stopping"
	StatusStopped  SpaceStatus = "stopped"
	StatusFailed   SpaceStatus = "failed"
	StatusDeleting SpaceStatus = "deleting"
	StatusDeleted  SpaceStatus = "deleted"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[SpaceStatus][]SpaceStatus{
	StatusPending:  {StatusBuilding, StatusDeleting},
	StatusBuilding: {StatusBuilt, StatusFailed},
	StatusBuilt:    {StatusStarting, StatusBuilding, StatusDeleting},
	StatusStarting: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusStopping, StatusFailed},
	StatusStopping: {StatusStopped},
	StatusStopped:  {StatusStarting, StatusBuilding, StatusDeleting},
	StatusFailed:   {StatusBuilding, StatusStarting, StatusDeleting},
	StatusDeleting: {StatusDeleted},
	StatusDeleted:  {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to SpaceStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Space
// =============================================================================

// Space represents a hosted application: a source bundle plus the container
// recipe (or compose spec) that turns it into a running web service.
type Space struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	Description  string            `json:"description,omitempty"`
	Kind         SpaceKind         `json:"kind"`
	RecipeSpec   string            `json:"recipe_spec,omitempty"`  // YAML recipe (dockerfile kind)
	ComposeSpec  string            `json:"compose_spec,omitempty"` // Compose YAML (compose kind)
	BundleDir    string            `json:"bundle_dir,omitempty"`   // Source bundle directory on disk
	Port         int               `json:"port"`                   // Container port the app listens on
	ImageTag     string            `json:"image_tag,omitempty"`    // Last successfully built image
	ContainerID  string            `json:"container_id,omitempty"`
	HostPort     int               `json:"host_port,omitempty"` // Published host port for proxy routing
	Status       SpaceStatus       `json:"status"`
	SecretNames  []string          `json:"secret_names,omitempty"` // Secrets injected at start
	Variables    map[string]string `json:"variables,omitempty"`    // Plain (non-secret) env vars
	SleepTTL     time.Duration     `json:"sleep_ttl,omitempty"`    // 0 disables idle sleep
	ErrorMessage string            `json:"error_message,omitempty"`
	LastAccessAt *time.Time        `json:"last_access_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
}

// DefaultPort is the container port spaces listen on unless configured
// otherwise. It follows the model-hosting platform convention.
const DefaultPort = 7860

// DefaultSleepTTL is how long a space may go without traffic before the
// idle reaper stops it.
const DefaultSleepTTL = 48 * time.Hour

// NewSpace creates a new space of the given kind.
// Exactly one of recipeSpec/composeSpec must be set, matching the kind.
func NewSpace(name string, kind SpaceKind, recipeSpec, composeSpec string) (*Space, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !kind.IsValid() {
		return nil, ErrInvalidKind
	}
	if kind == KindDockerfile && recipeSpec == "" {
		return nil, ErrRecipeRequired
	}
	if kind == KindCompose && composeSpec == "" {
		return nil, ErrComposeRequired
	}

	now := time.Now().UTC()
	return &Space{
		ID:          "spc_" + uuid.New().String()[:8],
		Name:        name,
		Slug:        Slugify(name),
		Kind:        kind,
		RecipeSpec:  recipeSpec,
		ComposeSpec: composeSpec,
		Port:        DefaultPort,
		Status:      StatusPending,
		SleepTTL:    DefaultSleepTTL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition attempts to transition the space to a new status.
func (s *Space) Transition(to SpaceStatus) error {
	if err := ValidateTransition(s.Status, to); err != nil {
		return err
	}

	// Starting a dockerfile space requires a built image. Compose spaces
	// run prebuilt images and never carry an ImageTag.
	if to == StatusStarting && s.Kind == KindDockerfile && s.ImageTag == "" {
		return ErrNoImage
	}

	s.Status = to
	s.UpdatedAt = time.Now().UTC()

	// Clear error on retry
	if to == StatusBuilding || to == StatusStarting {
		s.ErrorMessage = ""
	}

	if to == StatusRunning {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	if to == StatusStopped {
		now := time.Now().UTC()
		s.StoppedAt = &now
		s.ContainerID = ""
		s.HostPort = 0
	}

	return nil
}

// TransitionToFailed transitions to failed status with an error message.
func (s *Space) TransitionToFailed(errorMessage string) error {
	switch s.Status {
	case StatusBuilding, StatusStarting, StatusRunning:
		s.Status = StatusFailed
		s.ErrorMessage = errorMessage
		s.UpdatedAt = time.Now().UTC()
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Routable returns true if the proxy may forward traffic to this space.
func (s *Space) Routable() bool {
	return s.Status == StatusRunning && s.HostPort > 0
}

// SleepEnabled returns true if the idle reaper may stop this space.
func (s *Space) SleepEnabled() bool {
	return s.SleepTTL > 0
}

// IdleSince reports whether the space has been without traffic longer than
// its sleep TTL as of now. Spaces that never received traffic are measured
// from their start time.
func (s *Space) IdleSince(now time.Time) bool {
	if !s.SleepEnabled() || s.Status != StatusRunning {
		return false
	}
	mark := s.StartedAt
	if s.LastAccessAt != nil {
		mark = s.LastAccessAt
	}
	if mark == nil {
		return false
	}
	return now.Sub(*mark) > s.SleepTTL
}

// =============================================================================
// Validation Functions (Pure)
// =============================================================================

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9\s\-]+$`)

// ValidateName validates a space name.
func ValidateName(name string) error {
	if name == "" {
		return ErrNameRequired
	}
	if len(name) < 3 {
		return ErrNameTooShort
	}
	if len(name) > 63 {
		return ErrNameTooLong
	}
	if !nameRegex.MatchString(name) {
		return ErrNameInvalidChars
	}
	return nil
}

// ValidatePort validates a container port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return ErrPortOutOfRange
	}
	return nil
}

// =============================================================================
// Name Generation
// =============================================================================

// GenerateContainerName generates a unique container name for a space.
func GenerateContainerName(slug string) string {
	suffix := make([]byte, 3)
	rand.Read(suffix)
	return fmt.Sprintf("space-%s-%s", slug, hex.EncodeToString(suffix))
}

// GenerateImageTag generates the image tag for a space build.
func GenerateImageTag(slug string, buildNumber int) string {
	return fmt.Sprintf("spaceport/%s:%d", slug, buildNumber)
}

// GenerateHostname generates the proxy hostname for a space.
func GenerateHostname(slug, baseDomain string) string {
	return fmt.Sprintf("%s.%s", slug, baseDomain)
}
