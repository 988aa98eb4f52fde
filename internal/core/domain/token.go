package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrTokenNameRequired = errors.New("token name is required")

// APIToken is a platform API credential. Only the bcrypt hash is stored;
// the plaintext is shown once at creation.
type APIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	Hint       string     `json:"hint"` // e.g. "spt_...Ab3d"
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// NewAPIToken creates a token record around an already-computed hash.
func NewAPIToken(name, hash, hint string) (*APIToken, error) {
	if name == "" {
		return nil, ErrTokenNameRequired
	}
	return &APIToken{
		ID:        "tok_" + uuid.New().String()[:8],
		Name:      name,
		Hash:      hash,
		Hint:      hint,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Touch records token use.
func (t *APIToken) Touch(now time.Time) {
	t.LastUsedAt = &now
}
