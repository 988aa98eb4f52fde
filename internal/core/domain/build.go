package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Build Errors
// =============================================================================

var (
	ErrBuildNotQueued   = errors.New("build is not queued")
	ErrBuildNotRunning  = errors.New("build is not running")
	ErrBuildLogTooLarge = errors.New("build log exceeds size limit")
)

// MaxBuildLogBytes caps the stored build log. Logs beyond this are truncated
// from the front so the tail (where failures show up) is kept.
const MaxBuildLogBytes = 512 * 1024

// =============================================================================
// Build Status
// =============================================================================

type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// =============================================================================
// Build
// =============================================================================

// Build represents a single image build of a space.
type Build struct {
	ID           string      `json:"id"`
	SpaceID      string      `json:"space_id"`
	Number       int         `json:"number"` // Monotonic per space
	Status       BuildStatus `json:"status"`
	ImageTag     string      `json:"image_tag,omitempty"`
	Log          string      `json:"log,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// NewBuild creates a queued build for a space.
func NewBuild(spaceID string, number int) *Build {
	return &Build{
		ID:        "bld_" + uuid.New().String()[:8],
		SpaceID:   spaceID,
		Number:    number,
		Status:    BuildQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// Start marks the build as running.
func (b *Build) Start() error {
	if b.Status != BuildQueued {
		return ErrBuildNotQueued
	}
	b.Status = BuildRunning
	now := time.Now().UTC()
	b.StartedAt = &now
	return nil
}

// Succeed marks the build as succeeded with the produced image tag.
func (b *Build) Succeed(imageTag string) error {
	if b.Status != BuildRunning {
		return ErrBuildNotRunning
	}
	b.Status = BuildSucceeded
	b.ImageTag = imageTag
	now := time.Now().UTC()
	b.FinishedAt = &now
	return nil
}

// Fail marks the build as failed with an error message.
func (b *Build) Fail(errorMessage string) error {
	if b.Status != BuildRunning && b.Status != BuildQueued {
		return ErrBuildNotRunning
	}
	b.Status = BuildFailed
	b.ErrorMessage = errorMessage
	now := time.Now().UTC()
	b.FinishedAt = &now
	return nil
}

// AppendLog appends output to the build log, truncating from the front when
// the log exceeds MaxBuildLogBytes.
func (b *Build) AppendLog(chunk string) {
	b.Log += chunk
	if len(b.Log) > MaxBuildLogBytes {
		b.Log = b.Log[len(b.Log)-MaxBuildLogBytes:]
	}
}

// Finished returns true once the build reached a terminal status.
func (b *Build) Finished() bool {
	return b.Status == BuildSucceeded || b.Status == BuildFailed
}
