package resources

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manyminds/api2go"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Secret JSON:API Model
// =============================================================================

// Secret wraps domain.Secret for the API. The resource ID is composite
// ("<space-id>:<NAME>") because a secret is addressed by space and name.
// Value is write-only: accepted on create, never echoed back.
type Secret struct {
	ID        string    `json:"-"`
	SpaceID   string    `json:"space_id"`
	Name      string    `json:"name"`
	Value     string    `json:"value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetID returns the composite secret ID for JSON:API.
func (s Secret) GetID() string {
	return s.ID
}

// SetID sets the composite secret ID for JSON:API.
func (s *Secret) SetID(id string) error {
	s.ID = id
	return nil
}

// GetName returns the JSON:API resource type name.
func (s Secret) GetName() string {
	return "secrets"
}

// SecretFromDomain converts a domain.Secret, dropping the ciphertext.
func SecretFromDomain(s *domain.Secret) Secret {
	return Secret{
		ID:        compositeSecretID(s.SpaceID, s.Name),
		SpaceID:   s.SpaceID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func compositeSecretID(spaceID, name string) string {
	return spaceID + ":" + name
}

// splitSecretID splits a composite secret ID back into space ID and name.
func splitSecretID(id string) (spaceID, name string, ok bool) {
	spaceID, name, ok = strings.Cut(id, ":")
	if spaceID == "" || name == "" {
		return "", "", false
	}
	return spaceID, name, ok
}

// =============================================================================
// SecretResource - CRUD Operations
// =============================================================================

// SecretResource implements the api2go resource interface for secrets.
type SecretResource struct {
	Store   store.Store
	Service *spaces.Service
	Logger  *slog.Logger
}

// NewSecretResource creates a new secret resource handler.
func NewSecretResource(st store.Store, svc *spaces.Service, l *slog.Logger) *SecretResource {
	if l == nil {
		l = slog.Default()
	}
	return &SecretResource{Store: st, Service: svc, Logger: l}
}

// FindAll returns the secrets of one space, names only.
// GET /api/v1/secrets?filter[space_id]=spc_xxx
func (r SecretResource) FindAll(req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	spaceID := ""
	if v, ok := req.QueryParams["filter[space_id]"]; ok && len(v) > 0 {
		spaceID = v[0]
	}
	if spaceID == "" {
		return &Response{Code: http.StatusBadRequest}, badRequestError("filter[space_id] is required")
	}

	secrets, err := r.Store.ListSecretsBySpace(ctx, spaceID)
	if err != nil {
		return &Response{Code: http.StatusInternalServerError}, err
	}

	result := make([]Secret, 0, len(secrets))
	for i := range secrets {
		result = append(result, SecretFromDomain(&secrets[i]))
	}

	return &Response{
		Code: http.StatusOK,
		Res:  result,
		Meta: map[string]interface{}{"total": len(result)},
	}, nil
}

// FindOne returns a single secret by composite ID, without its value.
// GET /api/v1/secrets/{space_id}:{NAME}
func (r SecretResource) FindOne(id string, req api2go.Request) (api2go.Responder, error) {
	spaceID, name, ok := splitSecretID(id)
	if !ok {
		return &Response{Code: http.StatusNotFound}, notFoundError("Secret")
	}

	secret, err := r.Store.GetSecret(req.PlainRequest.Context(), spaceID, name)
	if err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Secret")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	return &Response{Code: http.StatusOK, Res: SecretFromDomain(secret)}, nil
}

// Create sets a secret value on a space, creating or rotating it.
// POST /api/v1/secrets
func (r SecretResource) Create(obj interface{}, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	in, ok := obj.(Secret)
	if !ok {
		return &Response{Code: http.StatusBadRequest}, badRequestError("Invalid request body")
	}
	if in.SpaceID == "" {
		return &Response{Code: http.StatusBadRequest}, badRequestError("space_id is required")
	}

	secret, err := r.Service.SetSecret(ctx, in.SpaceID, in.Name, in.Value)
	if err != nil {
		switch {
		case isNotFound(err):
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		case errors.Is(err, domain.ErrSecretNameRequired),
			errors.Is(err, domain.ErrSecretNameInvalid),
			errors.Is(err, domain.ErrSecretValueEmpty):
			return &Response{Code: http.StatusUnprocessableEntity}, api2go.NewHTTPError(
				err, err.Error(), http.StatusUnprocessableEntity,
			)
		default:
			return &Response{Code: http.StatusInternalServerError}, err
		}
	}

	return &Response{Code: http.StatusCreated, Res: SecretFromDomain(secret)}, nil
}

// Delete removes a secret from a space by composite ID.
// DELETE /api/v1/secrets/{space_id}:{NAME}
func (r SecretResource) Delete(id string, req api2go.Request) (api2go.Responder, error) {
	spaceID, name, ok := splitSecretID(id)
	if !ok {
		return &Response{Code: http.StatusNotFound}, notFoundError("Secret")
	}

	if err := r.Service.RemoveSecret(req.PlainRequest.Context(), spaceID, name); err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Secret")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	return &Response{Code: http.StatusNoContent}, nil
}
