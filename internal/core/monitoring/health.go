// Package monitoring provides pure functions for space health logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package monitoring

import (
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
)

// =============================================================================
// Health Determination (Pure Functions)
// =============================================================================

// DetermineHealth maps a container's observed state to a space health status.
// This is a pure function that takes container state values and returns health.
//
// Parameters:
// - state: container state (running, exited, paused, restarting, dead)
// - healthCheck: Docker health check result if the image defines one
// - restarts: restart count since container creation
func DetermineHealth(state string, healthCheck *string, restarts int) domain.HealthStatus {
	// Non-running containers are unhealthy
	if state != "running" {
		return domain.HealthStatusUnhealthy
	}

	// If Docker health check reports unhealthy
	if healthCheck != nil && *healthCheck == "unhealthy" {
		return domain.HealthStatusUnhealthy
	}

	// Many restarts indicate instability
	if restarts > 3 {
		return domain.HealthStatusDegraded
	}

	// Health check still starting
	if healthCheck != nil && *healthCheck == "starting" {
		return domain.HealthStatusDegraded
	}

	return domain.HealthStatusHealthy
}

// AggregateHealth folds per-container health into one status for a space.
// Compose spaces have several containers; dockerfile spaces have one.
func AggregateHealth(containers []domain.HealthStatus) domain.HealthStatus {
	if len(containers) == 0 {
		return domain.HealthStatusUnknown
	}

	unhealthy := 0
	degraded := 0

	for _, h := range containers {
		switch h {
		case domain.HealthStatusUnhealthy:
			unhealthy++
		case domain.HealthStatusDegraded:
			degraded++
		case domain.HealthStatusUnknown:
			// Unknown containers count as degraded
			degraded++
		}
	}

	// All unhealthy = unhealthy
	if unhealthy == len(containers) {
		return domain.HealthStatusUnhealthy
	}
	// Any unhealthy or degraded = degraded
	if unhealthy > 0 || degraded > 0 {
		return domain.HealthStatusDegraded
	}
	// All healthy = healthy
	return domain.HealthStatusHealthy
}

// HealthChanged reports whether a transition between two health snapshots
// should be recorded as an event. Unknown -> anything is not a change worth
// recording; it is the checker warming up.
func HealthChanged(previous, current domain.HealthStatus) bool {
	if previous == current {
		return false
	}
	if previous == domain.HealthStatusUnknown {
		return false
	}
	return true
}

// =============================================================================
// Idle Detection (Pure Functions)
// =============================================================================

// ShouldSleep reports whether a running space has been idle past its TTL.
// Spaces with SleepTTL zero never sleep.
func ShouldSleep(space *domain.Space, now time.Time) bool {
	return space.IdleSince(now)
}

// =============================================================================
// Event Message Generation (Pure Functions)
// =============================================================================

// EventMessage generates a human-readable message for space events.
func EventMessage(eventType domain.SpaceEventType, spaceName string) string {
	switch eventType {
	case domain.EventBuildQueued:
		return "Build queued for " + spaceName
	case domain.EventBuildStarted:
		return "Build started for " + spaceName
	case domain.EventBuildSucceeded:
		return "Build succeeded for " + spaceName
	case domain.EventBuildFailed:
		return "Build failed for " + spaceName
	case domain.EventSpaceStarted:
		return "Space " + spaceName + " started"
	case domain.EventSpaceStopped:
		return "Space " + spaceName + " stopped"
	case domain.EventSpaceDied:
		return "Space " + spaceName + " died unexpectedly"
	case domain.EventSpaceSlept:
		return "Space " + spaceName + " went to sleep after being idle"
	case domain.EventHealthChanged:
		return "Health changed for " + spaceName
	default:
		return "Space " + spaceName + " event: " + string(eventType)
	}
}
