package docker

import (
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

// Sentinels the client maps daemon responses onto. Callers branch on these
// with errors.Is; the orchestrator in particular treats not-found and
// not-running as already-done during teardown.
var (
	ErrConnectionFailed = errors.New("docker connection failed")

	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")
	ErrPortAlreadyAllocated    = errors.New("port is already allocated")

	ErrNetworkNotFound      = errors.New("network not found")
	ErrNetworkAlreadyExists = errors.New("network already exists")
	ErrNetworkInUse         = errors.New("network has active endpoints")

	ErrVolumeNotFound = errors.New("volume not found")
	ErrVolumeInUse    = errors.New("volume is in use")

	ErrImageNotFound    = errors.New("image not found")
	ErrImagePullFailed  = errors.New("image pull failed")
	ErrImageBuildFailed = errors.New("image build failed")
	ErrContextNotFound  = errors.New("build context directory not found")
)

// DockerError carries the failed operation and the entity it touched
// alongside the underlying cause.
type DockerError struct {
	Op      string
	Entity  string // container, network, volume, image
	ID      string
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError builds a DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}
