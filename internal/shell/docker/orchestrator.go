package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/spaceport/internal/core/compose"
	"github.com/artpar/spaceport/internal/core/domain"
)

// =============================================================================
// Orchestrator - Space Container Lifecycle
// =============================================================================

// Orchestrator starts and stops the containers behind a space. Dockerfile
// spaces run a single container from their built image; compose spaces run
// one container per service on a private network, with the web service
// published on the space's host port.
type Orchestrator struct {
	docker Client
	logger *slog.Logger
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(docker Client, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		docker: docker,
		logger: logger.With("component", "orchestrator"),
	}
}

// spaceNetworkName is the private network of a compose space.
func spaceNetworkName(spaceID string) string {
	return "space-" + spaceID
}

// spaceVolumeName namespaces a compose volume to its space.
func spaceVolumeName(spaceID, volume string) string {
	return fmt.Sprintf("space-%s-%s", spaceID, volume)
}

// serviceContainerName is deterministic so stopped containers are reused on
// restart.
func serviceContainerName(spaceID, service string) string {
	return fmt.Sprintf("space-%s-%s", spaceID, service)
}

// =============================================================================
// Start
// =============================================================================

// StartSpace creates and starts the space's containers. env carries the
// resolved environment (plain variables plus decrypted secrets); it is
// injected at container create and never written to disk. The returned ID is
// the container serving traffic, bound to 127.0.0.1:<HostPort>.
func (o *Orchestrator) StartSpace(ctx context.Context, space *domain.Space, env map[string]string) (string, error) {
	if space.HostPort == 0 {
		return "", fmt.Errorf("space %s has no allocated host port", space.ID)
	}

	switch space.Kind {
	case domain.KindDockerfile:
		return o.startDockerfileSpace(ctx, space, env)
	case domain.KindCompose:
		return o.startComposeSpace(ctx, space, env)
	default:
		return "", domain.ErrInvalidKind
	}
}

func (o *Orchestrator) startDockerfileSpace(ctx context.Context, space *domain.Space, env map[string]string) (string, error) {
	if space.ImageTag == "" {
		return "", domain.ErrNoImage
	}
	exists, err := o.docker.ImageExists(space.ImageTag)
	if err != nil {
		return "", fmt.Errorf("failed to check image %s: %w", space.ImageTag, err)
	}
	if !exists {
		return "", fmt.Errorf("image %s: %w", space.ImageTag, ErrImageNotFound)
	}

	// Stale containers from a previous run are replaced, not reused, so the
	// new container always runs the current image and environment.
	if err := o.removeSpaceContainers(ctx, space.ID, nil, false); err != nil {
		return "", err
	}

	containerID, err := o.docker.CreateContainer(ContainerSpec{
		Name:  domain.GenerateContainerName(space.Slug),
		Image: space.ImageTag,
		Env:   mergeEnv(space.Variables, env),
		Ports: []PortBinding{{
			ContainerPort: space.Port,
			HostPort:      space.HostPort,
			HostIP:        "127.0.0.1",
		}},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSpace:   space.ID,
			LabelService: "web",
		},
		RestartPolicy: RestartPolicy{Name: "unless-stopped"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container for space %s: %w", space.ID, err)
	}

	if err := o.docker.StartContainer(containerID); err != nil {
		_ = o.docker.RemoveContainer(containerID, RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container for space %s: %w", space.ID, err)
	}

	o.logger.Info("space container started",
		"space", space.ID,
		"container", shortID(containerID),
		"host_port", space.HostPort,
	)
	return containerID, nil
}

func (o *Orchestrator) startComposeSpace(ctx context.Context, space *domain.Space, env map[string]string) (string, error) {
	project, err := compose.Parse(space.ComposeSpec, space.Port)
	if err != nil {
		return "", fmt.Errorf("failed to parse compose spec: %w", err)
	}

	networkName := spaceNetworkName(space.ID)
	if _, err := o.docker.CreateNetwork(NetworkSpec{
		Name:   networkName,
		Labels: map[string]string{LabelManaged: "true", LabelSpace: space.ID},
	}); err != nil && !strings.Contains(err.Error(), "already exists") {
		return "", fmt.Errorf("failed to create network: %w", err)
	}

	// Named volumes survive stops so compose spaces keep state across sleep.
	for _, vol := range project.Volumes {
		if _, err := o.docker.CreateVolume(VolumeSpec{
			Name:   spaceVolumeName(space.ID, vol.Name),
			Labels: map[string]string{LabelManaged: "true", LabelSpace: space.ID},
		}); err != nil {
			return "", fmt.Errorf("failed to create volume %s: %w", vol.Name, err)
		}
	}

	for _, svc := range project.Services {
		exists, _ := o.docker.ImageExists(svc.Image)
		if !exists {
			o.logger.Info("pulling image", "image", svc.Image)
			if err := o.docker.PullImage(svc.Image); err != nil {
				return "", fmt.Errorf("failed to pull image %s: %w", svc.Image, err)
			}
		}
	}

	// Restart case: reuse stopped containers created for this space.
	existing, _ := o.docker.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSpace, space.ID)},
	})
	existingByService := make(map[string]ContainerInfo)
	for _, c := range existing {
		if svc, ok := c.Labels[LabelService]; ok {
			existingByService[svc] = c
		}
	}

	vars := mergeEnv(space.Variables, env)
	var webContainerID string
	started := make(map[string]string)

	for _, svc := range compose.SortServices(project.Services) {
		var containerID string

		if found, ok := existingByService[svc.Name]; ok {
			containerID = found.ID
			o.logger.Debug("reusing container", "service", svc.Name, "container", shortID(containerID))
		} else {
			spec := o.buildServiceSpec(space, svc, project.WebService, networkName, vars)
			containerID, err = o.docker.CreateContainer(spec)
			if err != nil {
				o.cleanupContainers(started)
				return "", fmt.Errorf("failed to create container %s: %w", svc.Name, err)
			}
		}
		started[svc.Name] = containerID

		if err := o.docker.StartContainer(containerID); err != nil {
			if !strings.Contains(err.Error(), "already running") {
				o.cleanupContainers(started)
				return "", fmt.Errorf("failed to start container %s: %w", svc.Name, err)
			}
		}

		if svc.Name == project.WebService {
			webContainerID = containerID
		}
	}

	o.logger.Info("compose space started",
		"space", space.ID,
		"services", len(project.Services),
		"web_service", project.WebService,
	)
	return webContainerID, nil
}

// buildServiceSpec converts a compose service into a container spec. Only
// the web service is published, bound to localhost for the proxy.
func (o *Orchestrator) buildServiceSpec(space *domain.Space, svc compose.Service, webService, networkName string, vars map[string]string) ContainerSpec {
	serviceEnv := make(map[string]string, len(svc.Environment))
	for k, v := range svc.Environment {
		serviceEnv[k] = compose.ExpandVariables(v, vars)
	}

	var ports []PortBinding
	if svc.Name == webService {
		ports = []PortBinding{{
			ContainerPort: space.Port,
			HostPort:      space.HostPort,
			HostIP:        "127.0.0.1",
		}}
	}

	var mounts []VolumeMount
	for _, m := range svc.Volumes {
		mounts = append(mounts, VolumeMount{
			Source:   spaceVolumeName(space.ID, m.Source),
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	return ContainerSpec{
		Name:    serviceContainerName(space.ID, svc.Name),
		Image:   svc.Image,
		Command: svc.Command,
		Env:     serviceEnv,
		Ports:   ports,
		Volumes: mounts,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSpace:   space.ID,
			LabelService: svc.Name,
		},
		Networks: []string{networkName},
		Resources: ResourceLimits{
			CPULimit:    svc.CPULimit,
			MemoryLimit: svc.MemoryLimit,
		},
		RestartPolicy: RestartPolicy{Name: "unless-stopped"},
	}
}

// =============================================================================
// Stop
// =============================================================================

// StopSpace stops and removes the space's containers. Named volumes are
// kept so the space resumes with its state; the compose network is removed
// once its containers are gone.
func (o *Orchestrator) StopSpace(ctx context.Context, space *domain.Space, timeout *time.Duration) error {
	if err := o.removeSpaceContainers(ctx, space.ID, timeout, false); err != nil {
		return err
	}

	if space.Kind == domain.KindCompose {
		if err := o.docker.RemoveNetwork(spaceNetworkName(space.ID)); err != nil && !errors.Is(err, ErrNetworkNotFound) {
			o.logger.Warn("failed to remove space network", "space", space.ID, "error", err)
		}
	}

	o.logger.Info("space stopped", "space", space.ID)
	return nil
}

// DestroySpace removes everything the space ever created on the host:
// containers with their anonymous volumes, the compose network and named
// volumes, and the built image. Deletes come through here; sleeps go through
// StopSpace so state survives.
func (o *Orchestrator) DestroySpace(ctx context.Context, space *domain.Space, timeout *time.Duration) error {
	if err := o.removeSpaceContainers(ctx, space.ID, timeout, true); err != nil {
		return err
	}

	if space.Kind == domain.KindCompose {
		if err := o.docker.RemoveNetwork(spaceNetworkName(space.ID)); err != nil && !errors.Is(err, ErrNetworkNotFound) {
			o.logger.Warn("failed to remove space network", "space", space.ID, "error", err)
		}
		if project, err := compose.Parse(space.ComposeSpec, space.Port); err == nil {
			for _, vol := range project.Volumes {
				name := spaceVolumeName(space.ID, vol.Name)
				if err := o.docker.RemoveVolume(name, true); err != nil && !errors.Is(err, ErrVolumeNotFound) {
					o.logger.Warn("failed to remove space volume", "volume", name, "error", err)
				}
			}
		}
	}

	if space.ImageTag != "" {
		if err := o.docker.RemoveImage(space.ImageTag, true); err != nil {
			o.logger.Warn("failed to remove space image", "image", space.ImageTag, "error", err)
		}
	}

	o.logger.Info("space destroyed", "space", space.ID)
	return nil
}

// removeSpaceContainers stops and force-removes every container labeled for
// the space. removeVolumes also drops their anonymous volumes.
func (o *Orchestrator) removeSpaceContainers(ctx context.Context, spaceID string, timeout *time.Duration, removeVolumes bool) error {
	containers, err := o.docker.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSpace, spaceID)},
	})
	if err != nil {
		return fmt.Errorf("failed to list containers for space %s: %w", spaceID, err)
	}

	for _, c := range containers {
		if err := o.docker.StopContainer(c.ID, timeout); err != nil &&
			!errors.Is(err, ErrContainerNotFound) && !errors.Is(err, ErrContainerNotRunning) {
			o.logger.Warn("failed to stop container", "container", shortID(c.ID), "error", err)
		}
		if err := o.docker.RemoveContainer(c.ID, RemoveOptions{Force: true, RemoveVolumes: removeVolumes}); err != nil && !errors.Is(err, ErrContainerNotFound) {
			return fmt.Errorf("failed to remove container %s: %w", shortID(c.ID), err)
		}
	}
	return nil
}

// cleanupContainers force-removes containers created during a failed start.
func (o *Orchestrator) cleanupContainers(created map[string]string) {
	for service, id := range created {
		if err := o.docker.RemoveContainer(id, RemoveOptions{Force: true}); err != nil {
			o.logger.Warn("cleanup failed", "service", service, "container", shortID(id), "error", err)
		}
	}
}

// =============================================================================
// Readiness
// =============================================================================

// readyPollInterval paces readiness checks after a start.
const readyPollInterval = 2 * time.Second

// WaitForReady blocks until every container of the space is running (and
// healthy, where a health check is configured). The first check happens
// immediately; after that it polls until the timeout elapses.
func (o *Orchestrator) WaitForReady(ctx context.Context, space *domain.Space, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := o.allContainersReady(ctx, space.ID)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for space %s to become ready", space.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func (o *Orchestrator) allContainersReady(ctx context.Context, spaceID string) (bool, error) {
	containers, err := o.SpaceContainers(ctx, spaceID)
	if err != nil {
		return false, err
	}
	if len(containers) == 0 {
		return false, nil
	}

	for _, c := range containers {
		info, err := o.docker.InspectContainer(c.ID)
		if err != nil {
			return false, fmt.Errorf("failed to inspect container %s: %w", shortID(c.ID), err)
		}
		if info.Health == "unhealthy" {
			return false, fmt.Errorf("container %s is unhealthy", info.Name)
		}
		if info.Health != "" && info.Health != "healthy" {
			return false, nil
		}
		if info.Status != ContainerStatusRunning {
			return false, nil
		}
	}
	return true, nil
}

// SpaceContainers lists all containers labeled for the space, including
// stopped ones.
func (o *Orchestrator) SpaceContainers(ctx context.Context, spaceID string) ([]ContainerInfo, error) {
	return o.docker.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSpace, spaceID)},
	})
}

// =============================================================================
// Helpers
// =============================================================================

func mergeEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

