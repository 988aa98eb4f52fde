package spaces

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testRecipeSpec = "base_image: python:3.11-slim\nport: 7860\n"

type fakeRuntime struct {
	startErr error
	waitErr  error
	stopErr  error

	started   []string
	stopped   []string
	destroyed []string
	lastEnv   map[string]string
}

func (f *fakeRuntime) StartSpace(_ context.Context, space *domain.Space, env map[string]string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, space.ID)
	f.lastEnv = env
	return "ctr-" + space.ID, nil
}

func (f *fakeRuntime) WaitForReady(_ context.Context, _ *domain.Space, _ time.Duration) error {
	return f.waitErr
}

func (f *fakeRuntime) StopSpace(_ context.Context, space *domain.Space, _ *time.Duration) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, space.ID)
	return nil
}

func (f *fakeRuntime) DestroySpace(_ context.Context, space *domain.Space, _ *time.Duration) error {
	f.destroyed = append(f.destroyed, space.ID)
	return nil
}

func setupTestService(t *testing.T) (*Service, store.Store, *fakeRuntime) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runtime := &fakeRuntime{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(st, runtime, crypto.DeriveKey("test-passphrase"), DefaultConfig(), logger)
	return svc, st, runtime
}

// builtSpace creates a dockerfile space that is ready to start.
func builtSpace(t *testing.T, svc *Service, st store.Store) *domain.Space {
	t.Helper()
	ctx := context.Background()
	space, err := svc.Create(ctx, "Earth Engine Demo", domain.KindDockerfile, testRecipeSpec, "", "")
	require.NoError(t, err)

	require.NoError(t, space.Transition(domain.StatusBuilding))
	require.NoError(t, space.Transition(domain.StatusBuilt))
	space.ImageTag = "spaceport/earth-engine-demo:1"
	require.NoError(t, st.UpdateSpace(ctx, space))
	return space
}

func testServiceAccountJSON(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "ee-demo",
		"private_key_id": "key-1",
		"private_key":    string(keyPEM),
		"client_email":   "svc@ee-demo.iam.gserviceaccount.com",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Create Tests
// =============================================================================

func TestCreate_DockerfileWithDefaultRecipe(t *testing.T) {
	svc, _, _ := setupTestService(t)

	space, err := svc.Create(context.Background(), "My Space", domain.KindDockerfile, "", "", "/srv/bundles/my-space")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, space.Status)
	assert.Equal(t, domain.DefaultPort, space.Port)
	assert.Contains(t, space.RecipeSpec, "python:3.11-slim")
	assert.Equal(t, "/srv/bundles/my-space", space.BundleDir)
}

func TestCreate_DockerfilePortFollowsRecipe(t *testing.T) {
	svc, _, _ := setupTestService(t)

	space, err := svc.Create(context.Background(), "Alt Port", domain.KindDockerfile,
		"base_image: python:3.11-slim\nport: 8000\n", "", "")
	require.NoError(t, err)
	assert.Equal(t, 8000, space.Port)
}

func TestCreate_InvalidRecipe(t *testing.T) {
	svc, _, _ := setupTestService(t)

	_, err := svc.Create(context.Background(), "Bad Recipe", domain.KindDockerfile, "port: -1\n", "", "")
	assert.Error(t, err)
}

func TestCreate_ComposeGoesStraightToBuilt(t *testing.T) {
	svc, _, _ := setupTestService(t)

	spec := `
services:
  web:
    image: nginx:alpine
    ports:
      - "7860"
`
	space, err := svc.Create(context.Background(), "Compose Space", domain.KindCompose, "", spec, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBuilt, space.Status)
}

func TestCreate_InvalidKind(t *testing.T) {
	svc, _, _ := setupTestService(t)

	_, err := svc.Create(context.Background(), "Bad Kind", domain.SpaceKind("vm"), "", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
}

// =============================================================================
// Build Tests
// =============================================================================

func TestQueueBuild(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)

	space, err := svc.Create(ctx, "Build Me", domain.KindDockerfile, testRecipeSpec, "", "")
	require.NoError(t, err)

	build, err := svc.QueueBuild(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildQueued, build.Status)
	assert.Equal(t, 1, build.Number)

	second, err := svc.QueueBuild(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)

	events, err := st.ListEventsBySpace(ctx, space.ID, 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventBuildQueued, events[0].Type)
}

func TestQueueBuild_ComposeRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupTestService(t)

	spec := "services:\n  web:\n    image: nginx:alpine\n    ports:\n      - \"7860\"\n"
	space, err := svc.Create(ctx, "Compose Space", domain.KindCompose, "", spec, "")
	require.NoError(t, err)

	_, err = svc.QueueBuild(ctx, space.ID)
	assert.ErrorIs(t, err, ErrNotBuildable)
}

// =============================================================================
// Start / Stop Tests
// =============================================================================

func TestStart(t *testing.T) {
	ctx := context.Background()
	svc, st, runtime := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.SetSecret(ctx, space.ID, "GEE_SERVICE_SECRET", `{"k":"v"}`)
	require.NoError(t, err)

	started, err := svc.Start(ctx, space.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRunning, started.Status)
	assert.Equal(t, "ctr-"+space.ID, started.ContainerID)
	assert.GreaterOrEqual(t, started.HostPort, 30000)
	assert.LessOrEqual(t, started.HostPort, 39999)

	// Secret decrypted into the runtime env
	assert.Equal(t, `{"k":"v"}`, runtime.lastEnv["GEE_SERVICE_SECRET"])

	events, err := st.ListEventsBySpace(ctx, space.ID, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSpaceStarted, events[0].Type)
}

func TestStart_AllocatesDistinctPorts(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)

	first := builtSpace(t, svc, st)
	startedFirst, err := svc.Start(ctx, first.ID)
	require.NoError(t, err)

	second, err := svc.Create(ctx, "Second Space", domain.KindDockerfile, testRecipeSpec, "", "")
	require.NoError(t, err)
	require.NoError(t, second.Transition(domain.StatusBuilding))
	require.NoError(t, second.Transition(domain.StatusBuilt))
	second.ImageTag = "spaceport/second-space:1"
	require.NoError(t, st.UpdateSpace(ctx, second))

	startedSecond, err := svc.Start(ctx, second.ID)
	require.NoError(t, err)
	assert.NotEqual(t, startedFirst.HostPort, startedSecond.HostPort)
}

func TestStart_RuntimeFailure(t *testing.T) {
	ctx := context.Background()
	svc, st, runtime := setupTestService(t)
	space := builtSpace(t, svc, st)
	runtime.startErr = errors.New("no such image")

	_, err := svc.Start(ctx, space.ID)
	require.Error(t, err)

	failed, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "no such image")
}

func TestStart_NeverReadyMarksFailed(t *testing.T) {
	ctx := context.Background()
	svc, st, runtime := setupTestService(t)
	space := builtSpace(t, svc, st)
	runtime.waitErr = errors.New("container web-1 is unhealthy")

	_, err := svc.Start(ctx, space.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")

	// The half-started containers were torn down and the space marked failed.
	assert.Contains(t, runtime.stopped, space.ID)
	failed, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "unhealthy")
}

func TestStart_PendingSpaceRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setupTestService(t)

	space, err := svc.Create(ctx, "Not Built", domain.KindDockerfile, testRecipeSpec, "", "")
	require.NoError(t, err)

	_, err = svc.Start(ctx, space.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	svc, st, runtime := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.Start(ctx, space.ID)
	require.NoError(t, err)

	stopped, err := svc.Stop(ctx, space.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.ContainerID)
	assert.Zero(t, stopped.HostPort)
	assert.Contains(t, runtime.stopped, space.ID)

	events, err := st.ListEventsBySpace(ctx, space.ID, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSpaceStopped, events[0].Type)
}

func TestStop_SleptRecordsSleepEvent(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.Start(ctx, space.ID)
	require.NoError(t, err)

	_, err = svc.Stop(ctx, space.ID, true)
	require.NoError(t, err)

	events, err := st.ListEventsBySpace(ctx, space.ID, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSpaceSlept, events[0].Type)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, st, runtime := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.Start(ctx, space.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, space.ID))

	_, err = st.GetSpace(ctx, space.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Delete destroys host resources (image, volumes) rather than just
	// stopping containers.
	assert.Contains(t, runtime.destroyed, space.ID)
}

func TestDelete_StoppedSpaceStillDestroysResources(t *testing.T) {
	ctx := context.Background()
	svc, st, runtime := setupTestService(t)
	space := builtSpace(t, svc, st)

	require.NoError(t, svc.Delete(ctx, space.ID))

	assert.Empty(t, runtime.stopped)
	assert.Contains(t, runtime.destroyed, space.ID)
}

// =============================================================================
// Secret Tests
// =============================================================================

func TestSetSecret_CreateAndRotate(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	created, err := svc.SetSecret(ctx, space.ID, "API_KEY", "first")
	require.NoError(t, err)
	assert.NotEmpty(t, created.Ciphertext)

	// Ciphertext never carries the plaintext
	assert.NotContains(t, string(created.Ciphertext), "first")

	updated, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Contains(t, updated.SecretNames, "API_KEY")

	rotated, err := svc.SetSecret(ctx, space.ID, "API_KEY", "second")
	require.NoError(t, err)
	assert.Equal(t, created.ID, rotated.ID)
	assert.NotEqual(t, created.Ciphertext, rotated.Ciphertext)

	// Still bound exactly once
	updated, err = st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, updated.SecretNames)
}

func TestSetSecret_EmptyValue(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.SetSecret(ctx, space.ID, "API_KEY", "")
	assert.ErrorIs(t, err, domain.ErrSecretValueEmpty)
}

func TestRemoveSecret(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.SetSecret(ctx, space.ID, "API_KEY", "value")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveSecret(ctx, space.ID, "API_KEY"))

	updated, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.NotContains(t, updated.SecretNames, "API_KEY")

	_, err = st.GetSecret(ctx, space.ID, "API_KEY")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// =============================================================================
// Credential Tests
// =============================================================================

func TestVerifyCredential(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.SetSecret(ctx, space.ID, "GEE_SERVICE_SECRET", testServiceAccountJSON(t))
	require.NoError(t, err)

	sa, assertion, err := svc.VerifyCredential(ctx, space.ID, "GEE_SERVICE_SECRET", nil)
	require.NoError(t, err)
	assert.Equal(t, "svc@ee-demo.iam.gserviceaccount.com", sa.ClientEmail)
	assert.NotEmpty(t, assertion)
}

func TestVerifyCredential_UnboundSecret(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, _, err := svc.VerifyCredential(ctx, space.ID, "MISSING", nil)
	assert.ErrorIs(t, err, ErrSecretNotBound)
}

func TestVerifyCredential_NotAServiceAccount(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setupTestService(t)
	space := builtSpace(t, svc, st)

	_, err := svc.SetSecret(ctx, space.ID, "GEE_SERVICE_SECRET", "not json")
	require.NoError(t, err)

	_, _, err = svc.VerifyCredential(ctx, space.ID, "GEE_SERVICE_SECRET", nil)
	assert.Error(t, err)
}
