package builder

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrBundleMissing       = errors.New("source bundle directory not found")
	ErrRequirementsMissing = errors.New("requirements file not found in bundle")
	ErrEntrypointMissing   = errors.New("entrypoint script not found in bundle")
	ErrStageFailed         = errors.New("failed to stage build context")
)

// BuildError wraps errors with build context.
type BuildError struct {
	Op      string
	SpaceID string
	BuildID string
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.BuildID != "" {
		return fmt.Sprintf("%s build %s (space %s): %s", e.Op, e.BuildID, e.SpaceID, e.Message)
	}
	return fmt.Sprintf("%s space %s: %s", e.Op, e.SpaceID, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// NewBuildError creates a new BuildError.
func NewBuildError(op, spaceID, buildID, message string, err error) *BuildError {
	return &BuildError{
		Op:      op,
		SpaceID: spaceID,
		BuildID: buildID,
		Message: message,
		Err:     err,
	}
}
