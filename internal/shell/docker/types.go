// Package docker wraps the Docker Engine API for the pieces of it Spaceport
// needs: building space images, running and inspecting space containers, and
// the networks and volumes behind compose spaces.
package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Labels
// =============================================================================

// Every container, network, and volume Spaceport creates carries these
// labels so its resources can be found (and cleaned up) by label filter
// alone.
const (
	LabelManaged = "com.spaceport.managed"
	LabelSpace   = "com.spaceport.space"
	LabelService = "com.spaceport.service"
	LabelBuild   = "com.spaceport.build"
)

// =============================================================================
// Client Interface
// =============================================================================

// Client is the Docker surface the orchestrator, builder, and workers drive.
// DockerClient implements it against a live daemon; tests substitute fakes.
type Client interface {
	// Containers: the space runtime.
	CreateContainer(spec ContainerSpec) (containerID string, err error)
	StartContainer(containerID string) error
	StopContainer(containerID string, timeout *time.Duration) error
	RemoveContainer(containerID string, opts RemoveOptions) error
	InspectContainer(containerID string) (*ContainerInfo, error)
	ListContainers(opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(containerID string, opts LogOptions) (io.ReadCloser, error)

	// Networks and volumes: compose-space plumbing.
	CreateNetwork(spec NetworkSpec) (networkID string, err error)
	RemoveNetwork(networkID string) error
	CreateVolume(spec VolumeSpec) (volumeName string, err error)
	RemoveVolume(volumeName string, force bool) error

	// Images: built for dockerfile spaces, pulled for compose services,
	// removed when a space is destroyed.
	BuildImage(ctx context.Context, opts BuildOptions) error
	PullImage(image string) error
	ImageExists(image string) (bool, error)
	RemoveImage(image string, force bool) error

	// Daemon connection.
	Ping() error
	Close() error
}

// =============================================================================
// Container Specs
// =============================================================================

// ContainerSpec describes a container to create. Spaceport containers are
// deliberately plain: an image, env, labels, at most one published port, and
// for compose services a private network and named volume mounts.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Volumes       []VolumeMount
	Networks      []string
	RestartPolicy RestartPolicy
	Resources     ResourceLimits
}

// PortBinding publishes one container port on the host. HostIP narrows the
// bind address; space ports bind to 127.0.0.1 so only the ingress proxy can
// reach them.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string // defaults to "tcp"
	HostIP        string
}

// VolumeMount attaches a named volume (or, with an absolute Source, a host
// path) inside the container.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RestartPolicy mirrors Docker's restart policy names ("no", "always",
// "on-failure", "unless-stopped").
type RestartPolicy struct {
	Name              string
	MaximumRetryCount int
}

// ResourceLimits caps a container's CPU (in cores) and memory (in bytes).
// Zero means unlimited.
type ResourceLimits struct {
	CPULimit    float64
	MemoryLimit int64
}

// =============================================================================
// Container State
// =============================================================================

// ContainerStatus is Docker's container state string.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
)

// ContainerInfo is the slice of inspect/list output the health checker and
// orchestrator consume.
type ContainerInfo struct {
	ID        string
	Name      string
	Status    ContainerStatus
	State     string // raw state string, same value as Status
	Health    string // "healthy", "unhealthy", "starting", or "" without a check
	StartedAt *time.Time
	Labels    map[string]string
	Restarts  int
}

// =============================================================================
// Networks and Volumes
// =============================================================================

// NetworkSpec describes a bridge network to create.
type NetworkSpec struct {
	Name   string
	Labels map[string]string
}

// VolumeSpec describes a local named volume to create.
type VolumeSpec struct {
	Name   string
	Labels map[string]string
}

// =============================================================================
// Operation Options
// =============================================================================

// RemoveOptions controls container removal. RemoveVolumes also deletes the
// container's anonymous volumes; named volumes need RemoveVolume.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions filters ListContainers. Filters use Docker's filter keys, e.g.
// {"label": "com.spaceport.space=spc_abc"}.
type ListOptions struct {
	All     bool
	Filters map[string]string
}

// LogOptions controls ContainerLogs output.
type LogOptions struct {
	Tail       string // "all" or a line count
	Timestamps bool
}

// BuildOptions describes an image build from a staged context directory.
type BuildOptions struct {
	ContextDir string // tarred up as the build context
	Dockerfile string // path inside the context, default "Dockerfile"
	Tags       []string
	BuildArgs  map[string]string
	NoCache    bool
	Pull       bool // always attempt to pull newer base images
	Labels     map[string]string

	// OnLog receives each line of build output as it streams in. May be nil.
	OnLog func(line string)
}
