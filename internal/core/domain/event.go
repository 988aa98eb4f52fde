package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Health Types
// =============================================================================

// HealthStatus represents the health of a space or its container.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// SpaceHealth is the health of a space at a point in time.
type SpaceHealth struct {
	Status    HealthStatus `json:"status"`
	Container string       `json:"container,omitempty"`
	State     string       `json:"state,omitempty"` // running, exited, restarting...
	Restarts  int          `json:"restarts"`
	CheckedAt time.Time    `json:"checked_at"`
}

// =============================================================================
// Space Events
// =============================================================================

// SpaceEventType classifies space lifecycle events.
type SpaceEventType string

const (
	EventBuildQueued    SpaceEventType = "build_queued"
	EventBuildStarted   SpaceEventType = "build_started"
	EventBuildSucceeded SpaceEventType = "build_succeeded"
	EventBuildFailed    SpaceEventType = "build_failed"
	EventSpaceStarted   SpaceEventType = "space_started"
	EventSpaceStopped   SpaceEventType = "space_stopped"
	EventSpaceDied      SpaceEventType = "space_died"
	EventSpaceSlept     SpaceEventType = "space_slept"
	EventHealthChanged  SpaceEventType = "health_changed"
)

// SpaceEvent records a lifecycle event for a space.
type SpaceEvent struct {
	ID        string         `json:"id"`
	SpaceID   string         `json:"space_id"`
	Type      SpaceEventType `json:"type"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewSpaceEvent creates an event for a space.
func NewSpaceEvent(spaceID string, eventType SpaceEventType, message string) *SpaceEvent {
	return &SpaceEvent{
		ID:        "evt_" + uuid.New().String()[:8],
		SpaceID:   spaceID,
		Type:      eventType,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}
