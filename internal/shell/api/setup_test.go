package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDocker stubs the docker client. Unused methods panic via the embedded
// nil interface.
type fakeDocker struct {
	docker.Client

	pingErr error
	logs    string
}

func (f *fakeDocker) Ping() error { return f.pingErr }

func (f *fakeDocker) ContainerLogs(_ string, _ docker.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

type fakeRuntime struct {
	startErr error
}

func (f *fakeRuntime) StartSpace(_ context.Context, space *domain.Space, _ map[string]string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "ctr-" + space.ID, nil
}

func (f *fakeRuntime) WaitForReady(_ context.Context, _ *domain.Space, _ time.Duration) error {
	return nil
}

func (f *fakeRuntime) StopSpace(_ context.Context, _ *domain.Space, _ *time.Duration) error {
	return nil
}

func (f *fakeRuntime) DestroySpace(_ context.Context, _ *domain.Space, _ *time.Duration) error {
	return nil
}

type testAPI struct {
	handler http.Handler
	store   store.Store
	service *spaces.Service
	docker  *fakeDocker
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cli := &fakeDocker{logs: "hello from app\n"}
	svc := spaces.NewService(st, &fakeRuntime{}, crypto.DeriveKey("test-passphrase"), spaces.DefaultConfig(), testLogger())

	handler := SetupAPI(APIConfig{
		Store:        st,
		Service:      svc,
		Docker:       cli,
		Logger:       testLogger(),
		AuthDisabled: true,
	})
	return &testAPI{handler: handler, store: st, service: svc, docker: cli}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) createSpace(t *testing.T, name string) string {
	t.Helper()
	body := fmt.Sprintf(`{"data":{"type":"spaces","attributes":{"name":%q,"kind":"dockerfile","bundle_dir":"/tmp/bundle"}}}`, name)
	rec := a.do(t, "POST", "/api/v1/spaces", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ID)
	return resp.Data.ID
}

// makeBuilt walks a space to built with an image so it can start.
func (a *testAPI) makeBuilt(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	space, err := a.store.GetSpace(ctx, id)
	require.NoError(t, err)
	require.NoError(t, space.Transition(domain.StatusBuilding))
	require.NoError(t, space.Transition(domain.StatusBuilt))
	space.ImageTag = "spaceport/" + space.Slug + ":1"
	require.NoError(t, a.store.UpdateSpace(ctx, space))
}

func testServiceAccountJSON(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	sa := map[string]string{
		"type":         "service_account",
		"project_id":   "demo-project",
		"private_key":  string(pemKey),
		"client_email": "svc@demo-project.iam.gserviceaccount.com",
		"token_uri":    "https://oauth2.googleapis.com/token",
	}
	raw, err := json.Marshal(sa)
	require.NoError(t, err)
	return string(raw)
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHealth(t *testing.T) {
	a := setupTestAPI(t)

	rec := a.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestReady_DockerDown(t *testing.T) {
	a := setupTestAPI(t)
	a.docker.pingErr = fmt.Errorf("connection refused")

	rec := a.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

func TestRequestID_Header(t *testing.T) {
	a := setupTestAPI(t)

	rec := a.do(t, "GET", "/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestAuth_ProtectsAPIRoutes(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	plaintext, err := crypto.GenerateToken()
	require.NoError(t, err)
	hash, err := crypto.HashToken(plaintext)
	require.NoError(t, err)
	token, err := domain.NewAPIToken("ci", hash, crypto.TokenHint(plaintext))
	require.NoError(t, err)
	require.NoError(t, st.CreateAPIToken(context.Background(), token))

	svc := spaces.NewService(st, &fakeRuntime{}, crypto.DeriveKey("test-passphrase"), spaces.DefaultConfig(), testLogger())
	handler := SetupAPI(APIConfig{Store: st, Service: svc, Docker: &fakeDocker{}, Logger: testLogger()})

	// No token
	req := httptest.NewRequest("GET", "/api/v1/spaces", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token
	req = httptest.NewRequest("GET", "/api/v1/spaces", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open
	req = httptest.NewRequest("GET", "/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// Space CRUD Tests
// =============================================================================

func TestSpaces_CreateAndGet(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Earth Engine Demo")

	rec := a.do(t, "GET", "/api/v1/spaces/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "earth-engine-demo")
	assert.Contains(t, rec.Body.String(), `"port":7860`)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)
}

func TestSpaces_List(t *testing.T) {
	a := setupTestAPI(t)
	a.createSpace(t, "First Space")
	a.createSpace(t, "Second Space")

	rec := a.do(t, "GET", "/api/v1/spaces", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "first-space")
	assert.Contains(t, rec.Body.String(), "second-space")
}

func TestSpaces_GetMissing(t *testing.T) {
	a := setupTestAPI(t)

	rec := a.do(t, "GET", "/api/v1/spaces/spc_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpaces_CreateInvalidName(t *testing.T) {
	a := setupTestAPI(t)

	body := `{"data":{"type":"spaces","attributes":{"name":"x","kind":"dockerfile"}}}`
	rec := a.do(t, "POST", "/api/v1/spaces", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSpaces_Delete(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Doomed Space")

	rec := a.do(t, "DELETE", "/api/v1/spaces/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, "GET", "/api/v1/spaces/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Action Tests
// =============================================================================

func TestSpaces_BuildAction(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Buildable Space")

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/build", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"queued"`)
	assert.Contains(t, rec.Body.String(), `"number":1`)

	rec = a.do(t, "GET", "/api/v1/spaces/"+id+"/builds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"number":1`)
}

func TestSpaces_StartStopActions(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Runnable Space")
	a.makeBuilt(t, id)

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = a.do(t, "POST", "/api/v1/spaces/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"stopped"`)
}

func TestSpaces_StartWithoutImage(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Unbuilt Space")

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpaces_StopNotRunning(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Idle Space")

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpaces_EventsAction(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Observed Space")

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/build", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = a.do(t, "GET", "/api/v1/spaces/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "build_queued")
}

func TestSpaces_LogsAction(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Chatty Space")
	a.makeBuilt(t, id)

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "GET", "/api/v1/spaces/"+id+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello from app")
}

func TestSpaces_LogsWithoutContainer(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Quiet Space")

	rec := a.do(t, "GET", "/api/v1/spaces/"+id+"/logs", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// Secret Tests
// =============================================================================

func TestSecrets_CreateListDelete(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Secret Space")

	body := fmt.Sprintf(`{"data":{"type":"secrets","attributes":{"space_id":%q,"name":"GEE_SERVICE_SECRET","value":"super-secret"}}}`, id)
	rec := a.do(t, "POST", "/api/v1/secrets", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "super-secret")

	rec = a.do(t, "GET", "/api/v1/secrets?filter[space_id]="+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "GEE_SERVICE_SECRET")
	assert.NotContains(t, rec.Body.String(), "super-secret")

	rec = a.do(t, "DELETE", "/api/v1/secrets/"+id+":GEE_SERVICE_SECRET", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSecrets_InvalidName(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Secret Space")

	body := fmt.Sprintf(`{"data":{"type":"secrets","attributes":{"space_id":%q,"name":"lower-case","value":"v"}}}`, id)
	rec := a.do(t, "POST", "/api/v1/secrets", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSecrets_ListRequiresSpaceFilter(t *testing.T) {
	a := setupTestAPI(t)

	rec := a.do(t, "GET", "/api/v1/secrets", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Credential Verification Tests
// =============================================================================

func TestSpaces_VerifyCredential(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Credentialed Space")

	_, err := a.service.SetSecret(context.Background(), id, "GEE_SERVICE_SECRET", testServiceAccountJSON(t))
	require.NoError(t, err)

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/verify-credential", `{"secret":"GEE_SERVICE_SECRET"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "svc@demo-project.iam.gserviceaccount.com")
	assert.Contains(t, rec.Body.String(), "earthengine")
	assert.Contains(t, rec.Body.String(), `"assertion"`)
}

func TestSpaces_VerifyCredential_UnboundSecret(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Credentialed Space")

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/verify-credential", `{"secret":"MISSING"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpaces_VerifyCredential_NotAServiceAccount(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createSpace(t, "Credentialed Space")

	_, err := a.service.SetSecret(context.Background(), id, "GEE_SERVICE_SECRET", `{"type":"user"}`)
	require.NoError(t, err)

	rec := a.do(t, "POST", "/api/v1/spaces/"+id+"/verify-credential", `{"secret":"GEE_SERVICE_SECRET"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// OpenAPI Tests
// =============================================================================

func TestOpenAPI_Document(t *testing.T) {
	a := setupTestAPI(t)

	rec := a.do(t, "GET", "/api/openapi.json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "Spaceport API")
	assert.Contains(t, body, "/api/v1/spaces/{id}/build")
	assert.Contains(t, body, "/api/v1/spaces/{id}/verify-credential")
	assert.Contains(t, body, "/api/v1/secrets")
	assert.Contains(t, body, "bearerAuth")
}
