package domain

import (
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Secret Errors
// =============================================================================

var (
	ErrSecretNameRequired = errors.New("secret name is required")
	ErrSecretNameInvalid  = errors.New("secret name must be a valid environment variable name")
	ErrSecretValueEmpty   = errors.New("secret value cannot be empty")
)

// secretNameRegex matches POSIX environment variable names. Secrets are
// injected into containers as env vars, so their names must be valid there.
var secretNameRegex = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// =============================================================================
// Secret
// =============================================================================

// Secret is a named value injected into a space's container environment at
// start time. The value is encrypted at rest; this type only ever carries
// the ciphertext.
type Secret struct {
	ID         string    `json:"id"`
	SpaceID    string    `json:"space_id"`
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSecret creates a secret with the given name and ciphertext.
func NewSecret(spaceID, name string, ciphertext []byte) (*Secret, error) {
	if err := ValidateSecretName(name); err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 {
		return nil, ErrSecretValueEmpty
	}
	now := time.Now().UTC()
	return &Secret{
		ID:         "sec_" + uuid.New().String()[:8],
		SpaceID:    spaceID,
		Name:       name,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// ValidateSecretName validates a secret name.
func ValidateSecretName(name string) error {
	if name == "" {
		return ErrSecretNameRequired
	}
	if !secretNameRegex.MatchString(name) {
		return ErrSecretNameInvalid
	}
	return nil
}

// Redact returns a display form of a secret value: first and last character
// with the middle masked, or full mask for short values.
func Redact(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:1] + "****" + value[len(value)-1:]
}
