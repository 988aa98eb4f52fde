package builder

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/manifest"
	"github.com/artpar/spaceport/internal/core/recipe"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testRecipeSpec = "base_image: python:3.11-slim\nport: 7860\n"

// fakeDocker stubs the image build. Unused Client methods panic via the
// embedded nil interface.
type fakeDocker struct {
	docker.Client
	buildFn func(ctx context.Context, opts docker.BuildOptions) error
	built   []docker.BuildOptions
}

func (f *fakeDocker) BuildImage(ctx context.Context, opts docker.BuildOptions) error {
	f.built = append(f.built, opts)
	if f.buildFn != nil {
		return f.buildFn(ctx, opts)
	}
	return nil
}

func setupTestBuilder(t *testing.T, cli docker.Client) (*Builder, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBuilder(st, cli, logger, t.TempDir()), st
}

func writeBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func defaultBundle(t *testing.T) string {
	t.Helper()
	return writeBundle(t, map[string]string{
		"app.py":           "print('hello')\n",
		"requirements.txt": "flask==3.0.0\nrequests>=2.31\n",
	})
}

func createRunningBuild(t *testing.T, st store.Store, space *domain.Space) *domain.Build {
	t.Helper()
	ctx := context.Background()
	number, err := st.NextBuildNumber(ctx, space.ID)
	require.NoError(t, err)
	build := domain.NewBuild(space.ID, number)
	require.NoError(t, st.CreateBuild(ctx, build))

	claimed, err := st.ClaimQueuedBuild(ctx)
	require.NoError(t, err)
	require.Equal(t, build.ID, claimed.ID)
	return claimed
}

func createTestSpace(t *testing.T, st store.Store, bundleDir string) *domain.Space {
	t.Helper()
	space, err := domain.NewSpace("Earth Engine Demo", domain.KindDockerfile, testRecipeSpec, "")
	require.NoError(t, err)
	space.BundleDir = bundleDir
	require.NoError(t, st.CreateSpace(context.Background(), space))
	return space
}

// =============================================================================
// Staging Tests
// =============================================================================

func TestStage_WritesDockerfileOverBundle(t *testing.T) {
	bundle := defaultBundle(t)

	stageDir, err := Stage(recipe.Default(), bundle, t.TempDir())
	require.NoError(t, err)
	defer os.RemoveAll(stageDir)

	dockerfile, err := os.ReadFile(filepath.Join(stageDir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "FROM python:3.11-slim")
	assert.Contains(t, string(dockerfile), "EXPOSE 7860")

	app, err := os.ReadFile(filepath.Join(stageDir, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')\n", string(app))
}

func TestStage_CopiesNestedDirectories(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		"app.py":           "import utils.helpers\n",
		"requirements.txt": "flask\n",
		"utils/helpers.py": "pass\n",
	})

	stageDir, err := Stage(recipe.Default(), bundle, t.TempDir())
	require.NoError(t, err)
	defer os.RemoveAll(stageDir)

	_, err = os.Stat(filepath.Join(stageDir, "utils", "helpers.py"))
	assert.NoError(t, err)
}

func TestStage_MissingBundle(t *testing.T) {
	_, err := Stage(recipe.Default(), "/no/such/bundle", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBundleMissing)
}

func TestStage_MissingRequirements(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"app.py": "pass\n"})

	_, err := Stage(recipe.Default(), bundle, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequirementsMissing)
}

func TestStage_MissingEntrypointScript(t *testing.T) {
	// A bundle with dependencies but no app.py would build cleanly and then
	// crash the moment the container starts. Staging rejects it up front.
	bundle := writeBundle(t, map[string]string{"requirements.txt": "flask\n"})

	_, err := Stage(recipe.Default(), bundle, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntrypointMissing)
	assert.Contains(t, err.Error(), "app.py")
}

func TestStage_EntrypointInSubdirectory(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		"src/app.py":       "pass\n",
		"requirements.txt": "flask\n",
	})
	r := recipe.Default()
	r.Command = []string{"python", "src/app.py"}

	stageDir, err := Stage(r, bundle, t.TempDir())
	require.NoError(t, err)
	defer os.RemoveAll(stageDir)
}

func TestStage_RejectsDirectiveInRequirements(t *testing.T) {
	bundle := writeBundle(t, map[string]string{
		"app.py":           "pass\n",
		"requirements.txt": "-r extra.txt\n",
	})

	_, err := Stage(recipe.Default(), bundle, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrDirectiveNotAllowed)
}

func TestStage_SkipsRequirementsWhenRecipeHasNone(t *testing.T) {
	bundle := writeBundle(t, map[string]string{"app.py": "pass\n"})
	r := recipe.Default()
	r.RequirementsFile = ""

	stageDir, err := Stage(r, bundle, t.TempDir())
	require.NoError(t, err)
	defer os.RemoveAll(stageDir)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_Success(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{
		buildFn: func(_ context.Context, opts docker.BuildOptions) error {
			opts.OnLog("Step 1/4 : FROM python:3.11-slim")
			opts.OnLog("Successfully built abc123")
			return nil
		},
	}
	b, st := setupTestBuilder(t, fake)

	space := createTestSpace(t, st, defaultBundle(t))
	build := createRunningBuild(t, st, space)

	require.NoError(t, b.Run(ctx, build))

	// Build succeeded with the generated tag and captured log
	stored, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSucceeded, stored.Status)
	assert.Equal(t, "spaceport/earth-engine-demo:1", stored.ImageTag)
	assert.Contains(t, stored.Log, "Successfully built abc123")
	assert.NotNil(t, stored.FinishedAt)

	// Space holds the image and moved to built
	updated, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBuilt, updated.Status)
	assert.Equal(t, stored.ImageTag, updated.ImageTag)

	// Context was staged with the rendered Dockerfile and labeled
	require.Len(t, fake.built, 1)
	assert.Equal(t, "Dockerfile", fake.built[0].Dockerfile)
	assert.Equal(t, space.ID, fake.built[0].Labels[docker.LabelSpace])

	// Lifecycle events recorded
	events, err := st.ListEventsBySpace(ctx, space.ID, 10, nil)
	require.NoError(t, err)
	types := make([]domain.SpaceEventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, domain.EventBuildStarted)
	assert.Contains(t, types, domain.EventBuildSucceeded)
}

func TestRun_ImageBuildFailure(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{
		buildFn: func(_ context.Context, opts docker.BuildOptions) error {
			opts.OnLog("Step 2/4 : RUN pip install -r requirements.txt")
			return docker.NewDockerError("BuildImage", "image", "spaceport/earth-engine-demo:1",
				"executor failed running: exit code 1", docker.ErrImageBuildFailed)
		},
	}
	b, st := setupTestBuilder(t, fake)

	space := createTestSpace(t, st, defaultBundle(t))
	build := createRunningBuild(t, st, space)

	require.NoError(t, b.Run(ctx, build))

	stored, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "executor failed")
	assert.Contains(t, stored.Log, "ERROR:")

	updated, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "executor failed")

	events, err := st.ListEventsBySpace(ctx, space.ID, 10, nil)
	require.NoError(t, err)
	var sawFailed bool
	for _, e := range events {
		if e.Type == domain.EventBuildFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestRun_InvalidRecipe(t *testing.T) {
	ctx := context.Background()
	b, st := setupTestBuilder(t, &fakeDocker{})

	space := createTestSpace(t, st, defaultBundle(t))
	space.RecipeSpec = "port: -7\n"
	require.NoError(t, st.UpdateSpace(ctx, space))

	build := createRunningBuild(t, st, space)
	require.NoError(t, b.Run(ctx, build))

	stored, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "invalid recipe")

	updated, err := st.GetSpace(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, updated.Status)
}

func TestRun_MissingBundle(t *testing.T) {
	ctx := context.Background()
	b, st := setupTestBuilder(t, &fakeDocker{})

	space := createTestSpace(t, st, filepath.Join(t.TempDir(), "gone"))
	build := createRunningBuild(t, st, space)

	require.NoError(t, b.Run(ctx, build))

	stored, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, stored.Status)
	assert.True(t, strings.Contains(stored.ErrorMessage, "staging failed"))
}

func TestRun_FlushesLogMidBuild(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{
		buildFn: func(_ context.Context, opts docker.BuildOptions) error {
			for i := 0; i < logFlushLines; i++ {
				opts.OnLog("layer output")
			}
			return nil
		},
	}
	b, st := setupTestBuilder(t, fake)

	space := createTestSpace(t, st, defaultBundle(t))
	build := createRunningBuild(t, st, space)

	require.NoError(t, b.Run(ctx, build))

	stored, err := st.GetBuild(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSucceeded, stored.Status)
	assert.Equal(t, logFlushLines, strings.Count(stored.Log, "layer output"))
}
