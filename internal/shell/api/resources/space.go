package resources

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/manyminds/api2go"

	"github.com/artpar/spaceport/internal/core/credential"
	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/recipe"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Space JSON:API Model
// =============================================================================

// Space wraps domain.Space to implement JSON:API interfaces.
type Space struct {
	ID           string            `json:"-"`
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	Description  string            `json:"description,omitempty"`
	Kind         string            `json:"kind"`
	RecipeSpec   string            `json:"recipe_spec,omitempty"`
	ComposeSpec  string            `json:"compose_spec,omitempty"`
	BundleDir    string            `json:"bundle_dir,omitempty"`
	Port         int               `json:"port"`
	ImageTag     string            `json:"image_tag,omitempty"`
	HostPort     int               `json:"host_port,omitempty"`
	Status       string            `json:"status"`
	SecretNames  []string          `json:"secret_names,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	SleepTTL     int64             `json:"sleep_ttl_seconds,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	LastAccessAt *time.Time        `json:"last_access_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
}

// GetID returns the space ID for JSON:API.
func (s Space) GetID() string {
	return s.ID
}

// SetID sets the space ID for JSON:API.
func (s *Space) SetID(id string) error {
	s.ID = id
	return nil
}

// GetName returns the JSON:API resource type name.
func (s Space) GetName() string {
	return "spaces"
}

// SpaceFromDomain converts a domain.Space to a JSON:API Space.
func SpaceFromDomain(s *domain.Space) Space {
	return Space{
		ID:           s.ID,
		Name:         s.Name,
		Slug:         s.Slug,
		Description:  s.Description,
		Kind:         string(s.Kind),
		RecipeSpec:   s.RecipeSpec,
		ComposeSpec:  s.ComposeSpec,
		BundleDir:    s.BundleDir,
		Port:         s.Port,
		ImageTag:     s.ImageTag,
		HostPort:     s.HostPort,
		Status:       string(s.Status),
		SecretNames:  s.SecretNames,
		Variables:    s.Variables,
		SleepTTL:     int64(s.SleepTTL / time.Second),
		ErrorMessage: s.ErrorMessage,
		LastAccessAt: s.LastAccessAt,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		StartedAt:    s.StartedAt,
		StoppedAt:    s.StoppedAt,
	}
}

// =============================================================================
// Action Response Models
// =============================================================================

// Build is the JSON shape of a space build in action responses.
type Build struct {
	ID           string     `json:"id"`
	SpaceID      string     `json:"space_id"`
	Number       int        `json:"number"`
	Status       string     `json:"status"`
	ImageTag     string     `json:"image_tag,omitempty"`
	Log          string     `json:"log,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// BuildFromDomain converts a domain.Build. The log is only included when
// withLog is set; list responses stay small.
func BuildFromDomain(b *domain.Build, withLog bool) Build {
	out := Build{
		ID:           b.ID,
		SpaceID:      b.SpaceID,
		Number:       b.Number,
		Status:       string(b.Status),
		ImageTag:     b.ImageTag,
		ErrorMessage: b.ErrorMessage,
		CreatedAt:    b.CreatedAt,
		StartedAt:    b.StartedAt,
		FinishedAt:   b.FinishedAt,
	}
	if withLog {
		out.Log = b.Log
	}
	return out
}

// Event is the JSON shape of a space event in action responses.
type Event struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"space_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialCheck is the response of a credential verification.
type CredentialCheck struct {
	SecretName  string   `json:"secret_name"`
	ClientEmail string   `json:"client_email"`
	ProjectID   string   `json:"project_id"`
	TokenURI    string   `json:"token_uri"`
	Scopes      []string `json:"scopes"`
	Assertion   string   `json:"assertion"`
}

// =============================================================================
// SpaceResource - CRUD Operations
// =============================================================================

// SpaceResource implements the api2go resource interface for spaces.
type SpaceResource struct {
	Store   store.Store
	Service *spaces.Service
	Docker  docker.Client
	Logger  *slog.Logger
}

// NewSpaceResource creates a new space resource handler.
func NewSpaceResource(st store.Store, svc *spaces.Service, cli docker.Client, l *slog.Logger) *SpaceResource {
	if l == nil {
		l = slog.Default()
	}
	return &SpaceResource{
		Store:   st,
		Service: svc,
		Docker:  cli,
		Logger:  l,
	}
}

// FindAll returns all spaces with optional status filtering and pagination.
// GET /api/v1/spaces
func (r SpaceResource) FindAll(req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()
	opts := parseListOptions(req)

	var list []domain.Space
	var err error
	if status, ok := req.QueryParams["filter[status]"]; ok && len(status) > 0 {
		list, err = r.Store.ListSpacesByStatus(ctx, domain.SpaceStatus(status[0]))
	} else {
		list, err = r.Store.ListSpaces(ctx, opts)
	}
	if err != nil {
		return &Response{Code: http.StatusInternalServerError}, err
	}

	result := make([]Space, 0, len(list))
	for i := range list {
		result = append(result, SpaceFromDomain(&list[i]))
	}

	return &Response{
		Code: http.StatusOK,
		Res:  result,
		Meta: map[string]interface{}{
			"total":  len(result),
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	}, nil
}

// FindOne returns a single space by ID.
// GET /api/v1/spaces/{id}
func (r SpaceResource) FindOne(id string, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	space, err := r.Store.GetSpace(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	return &Response{Code: http.StatusOK, Res: SpaceFromDomain(space)}, nil
}

// Create creates a new space.
// POST /api/v1/spaces
func (r SpaceResource) Create(obj interface{}, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	in, ok := obj.(Space)
	if !ok {
		return &Response{Code: http.StatusBadRequest}, badRequestError("Invalid request body")
	}
	if in.Kind == "" {
		in.Kind = string(domain.KindDockerfile)
	}

	space, err := r.Service.Create(ctx, in.Name, domain.SpaceKind(in.Kind), in.RecipeSpec, in.ComposeSpec, in.BundleDir)
	if err != nil {
		return &Response{Code: http.StatusUnprocessableEntity}, api2go.NewHTTPError(
			err, err.Error(), http.StatusUnprocessableEntity,
		)
	}

	changed := false
	if in.Description != "" {
		space.Description = in.Description
		changed = true
	}
	if len(in.Variables) > 0 {
		space.Variables = in.Variables
		changed = true
	}
	if in.SleepTTL > 0 {
		space.SleepTTL = time.Duration(in.SleepTTL) * time.Second
		changed = true
	}
	if changed {
		if err := r.Store.UpdateSpace(ctx, space); err != nil {
			return &Response{Code: http.StatusInternalServerError}, err
		}
	}

	return &Response{Code: http.StatusCreated, Res: SpaceFromDomain(space)}, nil
}

// Update modifies a space's mutable attributes.
// PATCH /api/v1/spaces/{id}
// The recipe may only change while the space is not running.
func (r SpaceResource) Update(obj interface{}, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	in, ok := obj.(Space)
	if !ok {
		return &Response{Code: http.StatusBadRequest}, badRequestError("Invalid request body")
	}

	space, err := r.Store.GetSpace(ctx, in.ID)
	if err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	if in.Description != "" {
		space.Description = in.Description
	}
	if in.Variables != nil {
		space.Variables = in.Variables
	}
	// 0 leaves the TTL unchanged; a negative value disables idle sleep.
	if in.SleepTTL > 0 {
		space.SleepTTL = time.Duration(in.SleepTTL) * time.Second
	} else if in.SleepTTL < 0 {
		space.SleepTTL = 0
	}

	if in.RecipeSpec != "" && in.RecipeSpec != space.RecipeSpec {
		if space.Kind != domain.KindDockerfile {
			return &Response{Code: http.StatusConflict}, conflictError("Compose spaces carry no recipe")
		}
		if space.Status == domain.StatusRunning || space.Status == domain.StatusStarting {
			return &Response{Code: http.StatusConflict}, conflictError("Recipe cannot change while the space is running")
		}
		rec, err := recipe.FromYAML(in.RecipeSpec)
		if err != nil {
			return &Response{Code: http.StatusUnprocessableEntity}, api2go.NewHTTPError(
				err, err.Error(), http.StatusUnprocessableEntity,
			)
		}
		space.RecipeSpec = in.RecipeSpec
		space.Port = rec.Port
	}

	space.UpdatedAt = time.Now().UTC()
	if err := r.Store.UpdateSpace(ctx, space); err != nil {
		return &Response{Code: http.StatusInternalServerError}, err
	}

	return &Response{Code: http.StatusOK, Res: SpaceFromDomain(space)}, nil
}

// Delete removes a space by ID, stopping it first if needed.
// DELETE /api/v1/spaces/{id}
func (r SpaceResource) Delete(id string, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	if err := r.Service.Delete(ctx, id); err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	return &Response{Code: http.StatusNoContent}, nil
}

// =============================================================================
// Custom Actions
// =============================================================================

// QueueBuild queues an image build for the space.
// POST /api/v1/spaces/{id}/build
func (r SpaceResource) QueueBuild(id string, req *http.Request) (api2go.Responder, error) {
	build, err := r.Service.QueueBuild(req.Context(), id)
	if err != nil {
		switch {
		case isNotFound(err):
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		case errors.Is(err, spaces.ErrNotBuildable):
			return &Response{Code: http.StatusConflict}, conflictError(err.Error())
		default:
			return &Response{Code: http.StatusInternalServerError}, err
		}
	}

	return &Response{Code: http.StatusAccepted, Res: BuildFromDomain(build, false)}, nil
}

// StartSpace starts the space's containers.
// POST /api/v1/spaces/{id}/start
func (r SpaceResource) StartSpace(id string, req *http.Request) (api2go.Responder, error) {
	space, err := r.Service.Start(req.Context(), id)
	if err != nil {
		switch {
		case isNotFound(err):
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		case errors.Is(err, domain.ErrNoImage):
			return &Response{Code: http.StatusConflict}, conflictError("Space has no built image")
		case errors.Is(err, domain.ErrInvalidTransition):
			return &Response{Code: http.StatusConflict}, conflictError("Space cannot start from its current status")
		default:
			return &Response{Code: http.StatusInternalServerError}, api2go.NewHTTPError(
				err, "Failed to start space: "+err.Error(), http.StatusInternalServerError,
			)
		}
	}

	return &Response{Code: http.StatusOK, Res: SpaceFromDomain(space)}, nil
}

// StopSpace stops the space's containers.
// POST /api/v1/spaces/{id}/stop
func (r SpaceResource) StopSpace(id string, req *http.Request) (api2go.Responder, error) {
	space, err := r.Service.Stop(req.Context(), id, false)
	if err != nil {
		switch {
		case isNotFound(err):
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		case errors.Is(err, domain.ErrInvalidTransition):
			return &Response{Code: http.StatusConflict}, conflictError("Space is not running")
		default:
			return &Response{Code: http.StatusInternalServerError}, api2go.NewHTTPError(
				err, "Failed to stop space: "+err.Error(), http.StatusInternalServerError,
			)
		}
	}

	return &Response{Code: http.StatusOK, Res: SpaceFromDomain(space)}, nil
}

// ListBuilds returns the space's builds, newest first, without logs.
// GET /api/v1/spaces/{id}/builds
func (r SpaceResource) ListBuilds(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()

	if _, err := r.Store.GetSpace(ctx, id); err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	builds, err := r.Store.ListBuildsBySpace(ctx, id, listOptionsFromQuery(req))
	if err != nil {
		return &Response{Code: http.StatusInternalServerError}, err
	}

	result := make([]Build, 0, len(builds))
	for i := range builds {
		result = append(result, BuildFromDomain(&builds[i], false))
	}

	return &Response{Code: http.StatusOK, Res: result, Meta: map[string]interface{}{"total": len(result)}}, nil
}

// GetBuild returns a single build of the space, including its log.
// GET /api/v1/spaces/{id}/builds/{build_id}
func (r SpaceResource) GetBuild(id, buildID string, req *http.Request) (api2go.Responder, error) {
	build, err := r.Store.GetBuild(req.Context(), buildID)
	if err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Build")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}
	if build.SpaceID != id {
		return &Response{Code: http.StatusNotFound}, notFoundError("Build")
	}

	return &Response{Code: http.StatusOK, Res: BuildFromDomain(build, true)}, nil
}

// ListEvents returns the space's lifecycle events, newest first.
// GET /api/v1/spaces/{id}/events?type=space_died&limit=50
func (r SpaceResource) ListEvents(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()

	if _, err := r.Store.GetSpace(ctx, id); err != nil {
		if isNotFound(err) {
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		}
		return &Response{Code: http.StatusInternalServerError}, err
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var eventType *string
	if v := req.URL.Query().Get("type"); v != "" {
		eventType = &v
	}

	events, err := r.Store.ListEventsBySpace(ctx, id, limit, eventType)
	if err != nil {
		return &Response{Code: http.StatusInternalServerError}, err
	}

	result := make([]Event, 0, len(events))
	for _, e := range events {
		result = append(result, Event{
			ID:        e.ID,
			SpaceID:   e.SpaceID,
			Type:      string(e.Type),
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		})
	}

	return &Response{Code: http.StatusOK, Res: result, Meta: map[string]interface{}{"total": len(result)}}, nil
}

// ContainerLogs returns a reader over the space's container logs. On error
// the returned responder carries the intended HTTP status.
// GET /api/v1/spaces/{id}/logs?tail=100
func (r SpaceResource) ContainerLogs(id string, req *http.Request) (io.ReadCloser, *Response, error) {
	space, err := r.Store.GetSpace(req.Context(), id)
	if err != nil {
		if isNotFound(err) {
			return nil, &Response{Code: http.StatusNotFound}, notFoundError("Space")
		}
		return nil, &Response{Code: http.StatusInternalServerError}, err
	}
	if space.ContainerID == "" {
		return nil, &Response{Code: http.StatusConflict}, conflictError("Space has no container")
	}

	tail := req.URL.Query().Get("tail")
	if tail == "" {
		tail = "200"
	}
	logs, err := r.Docker.ContainerLogs(space.ContainerID, docker.LogOptions{Tail: tail, Timestamps: true})
	if err != nil {
		return nil, &Response{Code: http.StatusInternalServerError}, err
	}
	return logs, nil, nil
}

// verifyCredentialRequest is the body of a credential verification call.
type verifyCredentialRequest struct {
	Secret string   `json:"secret"`
	Scopes []string `json:"scopes,omitempty"`
}

// VerifyCredential checks that a bound secret holds a service-account
// credential able to sign an OAuth2 bearer assertion.
// POST /api/v1/spaces/{id}/verify-credential
func (r SpaceResource) VerifyCredential(id string, req *http.Request) (api2go.Responder, error) {
	var body verifyCredentialRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return &Response{Code: http.StatusBadRequest}, badRequestError("Invalid request body")
	}
	if body.Secret == "" {
		return &Response{Code: http.StatusBadRequest}, badRequestError("secret is required")
	}

	sa, assertion, err := r.Service.VerifyCredential(req.Context(), id, body.Secret, body.Scopes)
	if err != nil {
		switch {
		case errors.Is(err, spaces.ErrSecretNotBound):
			return &Response{Code: http.StatusNotFound}, notFoundError("Secret")
		case isNotFound(err):
			return &Response{Code: http.StatusNotFound}, notFoundError("Space")
		default:
			return &Response{Code: http.StatusUnprocessableEntity}, api2go.NewHTTPError(
				err, "Credential verification failed: "+err.Error(), http.StatusUnprocessableEntity,
			)
		}
	}

	scopes := body.Scopes
	if len(scopes) == 0 {
		scopes = []string{credential.ScopeEarthEngine}
	}

	return &Response{Code: http.StatusOK, Res: CredentialCheck{
		SecretName:  body.Secret,
		ClientEmail: sa.ClientEmail,
		ProjectID:   sa.ProjectID,
		TokenURI:    sa.TokenURI,
		Scopes:      scopes,
		Assertion:   assertion,
	}}, nil
}

// =============================================================================
// Helpers
// =============================================================================

// parseListOptions reads JSON:API pagination params from an api2go request.
func parseListOptions(req api2go.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit, ok := req.QueryParams["page[size]"]; ok && len(limit) > 0 {
		if l, err := strconv.Atoi(limit[0]); err == nil {
			opts.Limit = l
		}
	}
	if offset, ok := req.QueryParams["page[offset]"]; ok && len(offset) > 0 {
		if o, err := strconv.Atoi(offset[0]); err == nil {
			opts.Offset = o
		}
	}
	if pageNum, ok := req.QueryParams["page[number]"]; ok && len(pageNum) > 0 {
		if pn, err := strconv.Atoi(pageNum[0]); err == nil && pn > 0 {
			opts.Offset = (pn - 1) * opts.Limit
		}
	}
	return opts.Normalize()
}

// listOptionsFromQuery reads pagination params from a plain HTTP request.
func listOptionsFromQuery(req *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if v := req.URL.Query().Get("page[size]"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			opts.Limit = l
		}
	}
	if v := req.URL.Query().Get("page[offset]"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}
