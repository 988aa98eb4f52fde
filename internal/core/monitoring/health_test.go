package monitoring

import (
	"testing"
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// DetermineHealth Tests
// =============================================================================

func TestDetermineHealth_Running(t *testing.T) {
	result := DetermineHealth("running", nil, 0)

	assert.Equal(t, domain.HealthStatusHealthy, result)
}

func TestDetermineHealth_NotRunning(t *testing.T) {
	tests := []string{"stopped", "exited", "paused", "dead", "restarting"}

	for _, state := range tests {
		t.Run(state, func(t *testing.T) {
			result := DetermineHealth(state, nil, 0)
			assert.Equal(t, domain.HealthStatusUnhealthy, result)
		})
	}
}

func TestDetermineHealth_Restarts(t *testing.T) {
	tests := []struct {
		restarts int
		expected domain.HealthStatus
	}{
		{0, domain.HealthStatusHealthy},
		{1, domain.HealthStatusHealthy},
		{3, domain.HealthStatusHealthy},
		{4, domain.HealthStatusDegraded},
		{10, domain.HealthStatusDegraded},
	}

	for _, tt := range tests {
		t.Run("restarts="+string(rune('0'+tt.restarts)), func(t *testing.T) {
			result := DetermineHealth("running", nil, tt.restarts)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDetermineHealth_HealthCheck(t *testing.T) {
	unhealthy := "unhealthy"
	assert.Equal(t, domain.HealthStatusUnhealthy, DetermineHealth("running", &unhealthy, 0))

	healthy := "healthy"
	assert.Equal(t, domain.HealthStatusHealthy, DetermineHealth("running", &healthy, 0))

	starting := "starting"
	assert.Equal(t, domain.HealthStatusDegraded, DetermineHealth("running", &starting, 0))
}

func TestDetermineHealth_CombinedFactors(t *testing.T) {
	// Unhealthy check takes precedence over restarts
	unhealthy := "unhealthy"
	result := DetermineHealth("running", &unhealthy, 10)
	assert.Equal(t, domain.HealthStatusUnhealthy, result)

	// Non-running state takes precedence over everything
	result = DetermineHealth("stopped", &unhealthy, 10)
	assert.Equal(t, domain.HealthStatusUnhealthy, result)

	// High restarts still counted when healthy otherwise
	healthy := "healthy"
	result = DetermineHealth("running", &healthy, 5)
	assert.Equal(t, domain.HealthStatusDegraded, result)
}

// =============================================================================
// AggregateHealth Tests
// =============================================================================

func TestAggregateHealth(t *testing.T) {
	tests := []struct {
		name       string
		containers []domain.HealthStatus
		expected   domain.HealthStatus
	}{
		{
			name:       "all healthy",
			containers: []domain.HealthStatus{domain.HealthStatusHealthy, domain.HealthStatusHealthy},
			expected:   domain.HealthStatusHealthy,
		},
		{
			name:       "one unhealthy",
			containers: []domain.HealthStatus{domain.HealthStatusHealthy, domain.HealthStatusUnhealthy},
			expected:   domain.HealthStatusDegraded,
		},
		{
			name:       "all unhealthy",
			containers: []domain.HealthStatus{domain.HealthStatusUnhealthy, domain.HealthStatusUnhealthy},
			expected:   domain.HealthStatusUnhealthy,
		},
		{
			name:       "one degraded",
			containers: []domain.HealthStatus{domain.HealthStatusHealthy, domain.HealthStatusDegraded},
			expected:   domain.HealthStatusDegraded,
		},
		{
			name: "unhealthy and degraded",
			containers: []domain.HealthStatus{
				domain.HealthStatusUnhealthy,
				domain.HealthStatusDegraded,
				domain.HealthStatusHealthy,
			},
			expected: domain.HealthStatusDegraded,
		},
		{
			name:       "one unknown",
			containers: []domain.HealthStatus{domain.HealthStatusHealthy, domain.HealthStatusUnknown},
			expected:   domain.HealthStatusDegraded,
		},
		{
			name:       "single unknown",
			containers: []domain.HealthStatus{domain.HealthStatusUnknown},
			expected:   domain.HealthStatusDegraded,
		},
		{
			name:       "empty",
			containers: nil,
			expected:   domain.HealthStatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := AggregateHealth(tt.containers)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// =============================================================================
// HealthChanged Tests
// =============================================================================

func TestHealthChanged(t *testing.T) {
	tests := []struct {
		name     string
		previous domain.HealthStatus
		current  domain.HealthStatus
		want     bool
	}{
		{"same status", domain.HealthStatusHealthy, domain.HealthStatusHealthy, false},
		{"healthy to unhealthy", domain.HealthStatusHealthy, domain.HealthStatusUnhealthy, true},
		{"unhealthy to healthy", domain.HealthStatusUnhealthy, domain.HealthStatusHealthy, true},
		{"degraded to healthy", domain.HealthStatusDegraded, domain.HealthStatusHealthy, true},
		{"unknown to healthy is warmup", domain.HealthStatusUnknown, domain.HealthStatusHealthy, false},
		{"unknown to unhealthy is warmup", domain.HealthStatusUnknown, domain.HealthStatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HealthChanged(tt.previous, tt.current))
		})
	}
}

// =============================================================================
// ShouldSleep Tests
// =============================================================================

func TestShouldSleep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-72 * time.Hour)
	recent := now.Add(-time.Hour)

	tests := []struct {
		name  string
		space domain.Space
		want  bool
	}{
		{
			name: "idle past ttl",
			space: domain.Space{
				Status:       domain.StatusRunning,
				SleepTTL:     domain.DefaultSleepTTL,
				LastAccessAt: &old,
			},
			want: true,
		},
		{
			name: "recent traffic",
			space: domain.Space{
				Status:       domain.StatusRunning,
				SleepTTL:     domain.DefaultSleepTTL,
				LastAccessAt: &recent,
			},
			want: false,
		},
		{
			name: "sleep disabled",
			space: domain.Space{
				Status:       domain.StatusRunning,
				SleepTTL:     0,
				LastAccessAt: &old,
			},
			want: false,
		},
		{
			name: "not running",
			space: domain.Space{
				Status:       domain.StatusStopped,
				SleepTTL:     domain.DefaultSleepTTL,
				LastAccessAt: &old,
			},
			want: false,
		},
		{
			name: "never accessed measured from start",
			space: domain.Space{
				Status:    domain.StatusRunning,
				SleepTTL:  domain.DefaultSleepTTL,
				StartedAt: &old,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSleep(&tt.space, now))
		})
	}
}

// =============================================================================
// EventMessage Tests
// =============================================================================

func TestEventMessage(t *testing.T) {
	tests := []struct {
		eventType domain.SpaceEventType
		space     string
		expected  string
	}{
		{domain.EventBuildQueued, "gee-demo", "Build queued for gee-demo"},
		{domain.EventBuildStarted, "gee-demo", "Build started for gee-demo"},
		{domain.EventBuildSucceeded, "gee-demo", "Build succeeded for gee-demo"},
		{domain.EventBuildFailed, "gee-demo", "Build failed for gee-demo"},
		{domain.EventSpaceStarted, "gee-demo", "Space gee-demo started"},
		{domain.EventSpaceStopped, "gee-demo", "Space gee-demo stopped"},
		{domain.EventSpaceDied, "gee-demo", "Space gee-demo died unexpectedly"},
		{domain.EventSpaceSlept, "gee-demo", "Space gee-demo went to sleep after being idle"},
		{domain.EventHealthChanged, "gee-demo", "Health changed for gee-demo"},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			result := EventMessage(tt.eventType, tt.space)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEventMessage_UnknownType(t *testing.T) {
	result := EventMessage("unknown_event", "gee-demo")
	assert.Contains(t, result, "gee-demo")
	assert.Contains(t, result, "unknown_event")
}
