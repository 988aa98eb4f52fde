package docker

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) Client {
	t.Helper()
	cli, err := NewDockerClient("")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	return cli
}

func cleanupContainer(t *testing.T, cli Client, containerID string) {
	t.Helper()
	timeout := 5 * time.Second
	cli.StopContainer(containerID, &timeout)
	cli.RemoveContainer(containerID, RemoveOptions{Force: true, RemoveVolumes: true})
}

// Test container name prefix to identify test containers
const testPrefix = "spaceport-test-"

const testImage = "alpine:latest"

// =============================================================================
// Connection Tests
// =============================================================================

func TestNewDockerClient_Success(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	assert.NotNil(t, cli)
}

func TestPing_Success(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	err := cli.Ping()
	assert.NoError(t, err)
}

// =============================================================================
// Container Lifecycle Tests
// =============================================================================

func TestContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	require.NoError(t, cli.PullImage(testImage))

	name := testPrefix + "lifecycle"
	id, err := cli.CreateContainer(ContainerSpec{
		Name:    name,
		Image:   testImage,
		Command: []string{"sleep", "60"},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSpace:   "spc_test",
		},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	require.NoError(t, cli.StartContainer(id))

	info, err := cli.InspectContainer(id)
	require.NoError(t, err)
	assert.Equal(t, name, info.Name)
	assert.Equal(t, ContainerStatusRunning, info.Status)
	assert.Equal(t, "spc_test", info.Labels[LabelSpace])
	assert.NotNil(t, info.StartedAt)

	timeout := 5 * time.Second
	require.NoError(t, cli.StopContainer(id, &timeout))

	info, err = cli.InspectContainer(id)
	require.NoError(t, err)
	assert.Equal(t, ContainerStatusExited, info.Status)

	require.NoError(t, cli.RemoveContainer(id, RemoveOptions{Force: true}))

	_, err = cli.InspectContainer(id)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestListContainers_LabelFilter(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	require.NoError(t, cli.PullImage(testImage))

	id, err := cli.CreateContainer(ContainerSpec{
		Name:    testPrefix + "list-filter",
		Image:   testImage,
		Command: []string{"sleep", "60"},
		Labels:  map[string]string{LabelSpace: "spc_filter"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, id)

	containers, err := cli.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": LabelSpace + "=spc_filter"},
	})
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, id, containers[0].ID)
}

func TestStartContainer_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	err := cli.StartContainer("no-such-container-xyz")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestImageExists(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	require.NoError(t, cli.PullImage(testImage))

	exists, err := cli.ImageExists(testImage)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = cli.ImageExists("spaceport/does-not-exist:v0")
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// Build Context Tests
// =============================================================================

func TestTarDirectory_PacksRelativePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.11-slim\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "app.py"), []byte("print('hi')\n"), 0o644))

	r, err := tarDirectory(dir)
	require.NoError(t, err)

	entries := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var content []byte
		if hdr.Typeflag == tar.TypeReg {
			content, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
		entries[hdr.Name] = string(content)
	}

	assert.Equal(t, "FROM python:3.11-slim\n", entries["Dockerfile"])
	assert.Equal(t, "print('hi')\n", entries["app/app.py"])
	assert.Contains(t, entries, "app/")
}

func TestTarDirectory_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0o644))
	if err := os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Skip("symlinks not supported:", err)
	}

	r, err := tarDirectory(dir)
	require.NoError(t, err)

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}

	assert.Contains(t, names, "real.txt")
	assert.NotContains(t, names, "link.txt")
}

// =============================================================================
// Build Stream Tests
// =============================================================================

func TestDrainBuildStream_ForwardsLines(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"Step 1/4 : FROM python:3.11-slim\n"}` + "\n" +
			`{"stream":" ---> abc123\n"}` + "\n" +
			`{"stream":"Successfully built abc123\n"}` + "\n",
	)

	var lines []string
	err := drainBuildStream(stream, func(line string) { lines = append(lines, line) }, "spaceport/demo:1")
	require.NoError(t, err)

	require.Len(t, lines, 3)
	assert.Equal(t, "Step 1/4 : FROM python:3.11-slim", lines[0])
	assert.Equal(t, "Successfully built abc123", lines[2])
}

func TestDrainBuildStream_SurfacesError(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"Step 2/4 : RUN pip install -r requirements.txt\n"}` + "\n" +
			`{"errorDetail":{"code":1,"message":"executor failed running: exit code 1"},"error":"executor failed running: exit code 1"}` + "\n",
	)

	var lines []string
	err := drainBuildStream(stream, func(line string) { lines = append(lines, line) }, "spaceport/demo:1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImageBuildFailed)

	var dockerErr *DockerError
	require.ErrorAs(t, err, &dockerErr)
	assert.Equal(t, "BuildImage", dockerErr.Op)
	assert.Contains(t, dockerErr.Message, "executor failed")

	// The failing detail is forwarded to the log as well
	assert.Contains(t, lines, "executor failed running: exit code 1")
}

func TestDrainBuildStream_MalformedJSON(t *testing.T) {
	err := drainBuildStream(strings.NewReader("not json at all"), nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImageBuildFailed)
}

func TestBuildImage_MissingContext(t *testing.T) {
	d := &DockerClient{}
	err := d.BuildImage(context.Background(), BuildOptions{ContextDir: "/no/such/dir"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestBuildImage_Integration(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	dir := t.TempDir()
	dockerfile := "FROM alpine:latest\nRUN echo built-ok\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644))

	tag := "spaceport-test/build:1"
	var lines []string
	err := cli.BuildImage(context.Background(), BuildOptions{
		ContextDir: dir,
		Tags:       []string{tag},
		OnLog:      func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	defer cli.RemoveImage(tag, true)

	exists, err := cli.ImageExists(tag)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NotEmpty(t, lines)
}
