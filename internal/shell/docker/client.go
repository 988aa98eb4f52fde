package docker

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Client
// =============================================================================

// DockerClient talks to the Docker daemon through the official SDK.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects to the daemon. An empty host uses the DOCKER_HOST
// environment (or the default socket); a non-empty host overrides it.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", err.Error(), ErrConnectionFailed)
	}
	return &DockerClient{cli: cli}, nil
}

// Ping checks that the daemon is reachable.
func (c *DockerClient) Ping() error {
	if _, err := c.cli.Ping(context.Background()); err != nil {
		return NewDockerError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close releases the daemon connection.
func (c *DockerClient) Close() error {
	return c.cli.Close()
}

// =============================================================================
// Error Mapping
// =============================================================================

const (
	entityContainer = "container"
	entityNetwork   = "network"
	entityVolume    = "volume"
	entityImage     = "image"
)

// sentinelFor picks the package sentinel matching an SDK error, or nil when
// none applies. Beyond not-found, the Docker API surfaces most conditions
// only through message text, so this matches on the daemon's known phrases.
func sentinelFor(entity string, err error) error {
	if client.IsErrNotFound(err) {
		switch entity {
		case entityContainer:
			return ErrContainerNotFound
		case entityNetwork:
			return ErrNetworkNotFound
		case entityVolume:
			return ErrVolumeNotFound
		case entityImage:
			return ErrImageNotFound
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "is already running"):
		return ErrContainerAlreadyRunning
	case strings.Contains(msg, "is not running"):
		return ErrContainerNotRunning
	case strings.Contains(msg, "port is already allocated"):
		return ErrPortAlreadyAllocated
	case entity == entityContainer && strings.Contains(msg, "Conflict"):
		return ErrContainerAlreadyExists
	case entity == entityNetwork && strings.Contains(msg, "already exists"):
		return ErrNetworkAlreadyExists
	case entity == entityNetwork && strings.Contains(msg, "has active endpoints"):
		return ErrNetworkInUse
	case entity == entityVolume && strings.Contains(msg, "in use"):
		return ErrVolumeInUse
	}
	return nil
}

// fail wraps an SDK error into a DockerError, substituting the matching
// sentinel when one applies so callers can errors.Is against it.
func fail(op, entity, id string, err error) error {
	if s := sentinelFor(entity, err); s != nil {
		return NewDockerError(op, entity, id, s.Error(), s)
	}
	return NewDockerError(op, entity, id, err.Error(), err)
}

// =============================================================================
// Containers
// =============================================================================

// CreateContainer creates a container and returns its ID.
func (c *DockerClient) CreateContainer(spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, k+"="+v)
	}

	exposed, bindings := portMaps(spec.Ports)
	config.ExposedPorts = exposed

	host := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts(spec.Volumes),
	}
	if spec.Resources.CPULimit > 0 {
		host.NanoCPUs = int64(spec.Resources.CPULimit * 1e9)
	}
	if spec.Resources.MemoryLimit > 0 {
		host.Memory = spec.Resources.MemoryLimit
	}
	if spec.RestartPolicy.Name != "" {
		host.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}

	var networking *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		networking = &network.NetworkingConfig{
			EndpointsConfig: make(map[string]*network.EndpointSettings, len(spec.Networks)),
		}
		for _, n := range spec.Networks {
			networking.EndpointsConfig[n] = &network.EndpointSettings{}
		}
	}

	resp, err := c.cli.ContainerCreate(context.Background(), config, host, networking, nil, spec.Name)
	if err != nil {
		return "", fail("CreateContainer", entityContainer, spec.Name, err)
	}
	return resp.ID, nil
}

// portMaps translates port bindings into the SDK's exposed-port set and
// host binding map.
func portMaps(ports []PortBinding) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port := nat.Port(strconv.Itoa(p.ContainerPort) + "/" + proto)
		exposed[port] = struct{}{}

		hostPort := ""
		if p.HostPort != 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		bindings[port] = []nat.PortBinding{{HostIP: p.HostIP, HostPort: hostPort}}
	}
	return exposed, bindings
}

// mounts translates volume mounts; absolute sources become bind mounts,
// anything else a named volume.
func mounts(volumes []VolumeMount) []mount.Mount {
	var out []mount.Mount
	for _, v := range volumes {
		kind := mount.TypeVolume
		if strings.HasPrefix(v.Source, "/") {
			kind = mount.TypeBind
		}
		out = append(out, mount.Mount{
			Type:     kind,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	return out
}

// StartContainer starts a created or stopped container.
func (c *DockerClient) StartContainer(containerID string) error {
	if err := c.cli.ContainerStart(context.Background(), containerID, container.StartOptions{}); err != nil {
		return fail("StartContainer", entityContainer, containerID, err)
	}
	return nil
}

// StopContainer stops a running container, giving it timeout to exit before
// the daemon kills it. A nil timeout uses the daemon default.
func (c *DockerClient) StopContainer(containerID string, timeout *time.Duration) error {
	opts := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	if err := c.cli.ContainerStop(context.Background(), containerID, opts); err != nil {
		return fail("StopContainer", entityContainer, containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *DockerClient) RemoveContainer(containerID string, opts RemoveOptions) error {
	err := c.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		return fail("RemoveContainer", entityContainer, containerID, err)
	}
	return nil
}

// InspectContainer returns the container's current state.
func (c *DockerClient) InspectContainer(containerID string) (*ContainerInfo, error) {
	resp, err := c.cli.ContainerInspect(context.Background(), containerID)
	if err != nil {
		return nil, fail("InspectContainer", entityContainer, containerID, err)
	}

	health := ""
	if resp.State.Health != nil {
		health = resp.State.Health.Status
	}

	return &ContainerInfo{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		Status:    ContainerStatus(resp.State.Status),
		State:     resp.State.Status,
		Health:    health,
		StartedAt: parseStateTime(resp.State.StartedAt),
		Labels:    resp.Config.Labels,
		Restarts:  resp.RestartCount,
	}, nil
}

// parseStateTime parses an inspect timestamp, treating the zero value the
// daemon reports for never-started containers as absent.
func parseStateTime(s string) *time.Time {
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// ListContainers lists containers matching the options.
func (c *DockerClient) ListContainers(opts ListOptions) ([]ContainerInfo, error) {
	listOpts := container.ListOptions{All: opts.All}
	if len(opts.Filters) > 0 {
		args := filters.NewArgs()
		for k, v := range opts.Filters {
			args.Add(k, v)
		}
		listOpts.Filters = args
	}

	containers, err := c.cli.ContainerList(context.Background(), listOpts)
	if err != nil {
		return nil, fail("ListContainers", entityContainer, "", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, item := range containers {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		result = append(result, ContainerInfo{
			ID:     item.ID,
			Name:   name,
			Status: ContainerStatus(item.State),
			State:  item.State,
			Labels: item.Labels,
		})
	}
	return result, nil
}

// ContainerLogs streams a container's stdout and stderr. The caller closes
// the reader.
func (c *DockerClient) ContainerLogs(containerID string, opts LogOptions) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, fail("ContainerLogs", entityContainer, containerID, err)
	}
	return reader, nil
}

// =============================================================================
// Networks
// =============================================================================

// CreateNetwork creates a bridge network and returns its ID.
func (c *DockerClient) CreateNetwork(spec NetworkSpec) (string, error) {
	resp, err := c.cli.NetworkCreate(context.Background(), spec.Name, network.CreateOptions{
		Driver: "bridge",
		Labels: spec.Labels,
	})
	if err != nil {
		return "", fail("CreateNetwork", entityNetwork, spec.Name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network.
func (c *DockerClient) RemoveNetwork(networkID string) error {
	if err := c.cli.NetworkRemove(context.Background(), networkID); err != nil {
		return fail("RemoveNetwork", entityNetwork, networkID, err)
	}
	return nil
}

// =============================================================================
// Volumes
// =============================================================================

// CreateVolume creates a local named volume and returns its name.
func (c *DockerClient) CreateVolume(spec VolumeSpec) (string, error) {
	resp, err := c.cli.VolumeCreate(context.Background(), volume.CreateOptions{
		Name:   spec.Name,
		Driver: "local",
		Labels: spec.Labels,
	})
	if err != nil {
		return "", fail("CreateVolume", entityVolume, spec.Name, err)
	}
	return resp.Name, nil
}

// RemoveVolume removes a named volume.
func (c *DockerClient) RemoveVolume(volumeName string, force bool) error {
	if err := c.cli.VolumeRemove(context.Background(), volumeName, force); err != nil {
		return fail("RemoveVolume", entityVolume, volumeName, err)
	}
	return nil
}

// =============================================================================
// Images
// =============================================================================

// PullImage pulls an image from its registry, blocking until the pull
// completes.
func (c *DockerClient) PullImage(imageName string) error {
	reader, err := c.cli.ImagePull(context.Background(), imageName, image.PullOptions{})
	if err != nil {
		if isMissingImage(err) {
			return NewDockerError("PullImage", entityImage, imageName, ErrImageNotFound.Error(), ErrImageNotFound)
		}
		return NewDockerError("PullImage", entityImage, imageName, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewDockerError("PullImage", entityImage, imageName, err.Error(), ErrImagePullFailed)
	}
	return nil
}

// isMissingImage recognizes the registry's assorted ways of saying the image
// does not exist (or is private, which is indistinguishable without auth).
func isMissingImage(err error) bool {
	msg := err.Error()
	for _, phrase := range []string{
		"not found",
		"manifest unknown",
		"repository does not exist",
		"pull access denied",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// ImageExists reports whether the image is present locally.
func (c *DockerClient) ImageExists(imageName string) (bool, error) {
	_, _, err := c.cli.ImageInspectWithRaw(context.Background(), imageName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fail("ImageExists", entityImage, imageName, err)
	}
	return true, nil
}

// RemoveImage removes a local image and prunes its dangling parents. A
// missing image is not an error; destroy paths call this on spaces that may
// never have built.
func (c *DockerClient) RemoveImage(imageName string, force bool) error {
	_, err := c.cli.ImageRemove(context.Background(), imageName, image.RemoveOptions{
		Force:         force,
		PruneChildren: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fail("RemoveImage", entityImage, imageName, err)
	}
	return nil
}
