package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/monitoring"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Health Checker
// =============================================================================

// HealthCheckerConfig configures the health checker worker.
type HealthCheckerConfig struct {
	// Interval is the time between health check cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// MaxConcurrent is the maximum number of spaces checked concurrently.
	// Default: 5.
	MaxConcurrent int
}

// DefaultHealthCheckerConfig returns the default configuration.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		Interval:      30 * time.Second,
		MaxConcurrent: 5,
	}
}

// HealthChecker periodically inspects the containers of running spaces,
// derives a space health status, records health-change events, and marks
// spaces whose containers are gone as failed.
type HealthChecker struct {
	store  store.Store
	docker docker.Client
	config HealthCheckerConfig
	logger *slog.Logger

	// previous holds the last observed health per space, for change
	// detection across cycles.
	mu       sync.Mutex
	previous map[string]domain.HealthStatus

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a new health checker worker.
func NewHealthChecker(s store.Store, cli docker.Client, config HealthCheckerConfig, logger *slog.Logger) *HealthChecker {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		store:    s,
		docker:   cli,
		config:   config,
		logger:   logger.With("component", "health_checker"),
		previous: make(map[string]domain.HealthStatus),
	}
}

// Start begins the health checker background goroutine.
func (h *HealthChecker) Start() {
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go h.run()

	h.logger.Info("health checker started",
		"interval", h.config.Interval,
		"max_concurrent", h.config.MaxConcurrent,
	)
}

// Stop gracefully stops the health checker.
func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("health checker stopped")
}

func (h *HealthChecker) run() {
	defer h.wg.Done()

	// Run immediately on start
	h.RunCycle(h.ctx)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.RunCycle(h.ctx)
		}
	}
}

// RunCycle executes a single health check cycle across all running spaces.
func (h *HealthChecker) RunCycle(ctx context.Context) {
	spaces, err := h.store.ListSpacesByStatus(ctx, domain.StatusRunning)
	if err != nil {
		h.logger.Error("failed to list running spaces", "error", err)
		return
	}
	if len(spaces) == 0 {
		return
	}

	sem := make(chan struct{}, h.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range spaces {
		space := &spaces[i]

		wg.Add(1)
		go func(sp *domain.Space) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			h.checkSpace(ctx, sp)
		}(space)
	}

	wg.Wait()
}

// checkSpace inspects one space's containers and reconciles its status.
func (h *HealthChecker) checkSpace(ctx context.Context, space *domain.Space) {
	logger := h.logger.With("space", space.ID, "slug", space.Slug)

	containers, err := h.docker.ListContainers(docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", docker.LabelSpace, space.ID)},
	})
	if err != nil {
		logger.Error("failed to list containers", "error", err)
		return
	}

	// A running space with no containers died outside our control.
	if len(containers) == 0 {
		h.markDied(ctx, space, "no containers found for running space")
		return
	}

	var healths []domain.HealthStatus
	anyRunning := false
	for _, c := range containers {
		info, err := h.docker.InspectContainer(c.ID)
		if err != nil {
			logger.Warn("failed to inspect container", "container", c.ID, "error", err)
			healths = append(healths, domain.HealthStatusUnknown)
			continue
		}
		if info.Status == docker.ContainerStatusRunning {
			anyRunning = true
		}
		var healthCheck *string
		if info.Health != "" {
			healthCheck = &info.Health
		}
		healths = append(healths, monitoring.DetermineHealth(info.State, healthCheck, info.Restarts))
	}

	if !anyRunning {
		h.markDied(ctx, space, "all containers exited")
		return
	}

	current := monitoring.AggregateHealth(healths)

	h.mu.Lock()
	prev, seen := h.previous[space.ID]
	if !seen {
		prev = domain.HealthStatusUnknown
	}
	h.previous[space.ID] = current
	h.mu.Unlock()

	if monitoring.HealthChanged(prev, current) {
		logger.Info("space health changed", "from", prev, "to", current)
		message := fmt.Sprintf("%s: %s -> %s", monitoring.EventMessage(domain.EventHealthChanged, space.Name), prev, current)
		event := domain.NewSpaceEvent(space.ID, domain.EventHealthChanged, message)
		if err := h.store.CreateEvent(ctx, event); err != nil {
			logger.Warn("failed to record health event", "error", err)
		}
	}
}

// markDied marks a running space failed and records the death event.
func (h *HealthChecker) markDied(ctx context.Context, space *domain.Space, reason string) {
	logger := h.logger.With("space", space.ID, "slug", space.Slug)
	logger.Warn("space died", "reason", reason)

	if err := space.TransitionToFailed(reason); err != nil {
		logger.Warn("space in unexpected status", "error", err)
		return
	}
	if err := h.store.UpdateSpace(ctx, space); err != nil {
		logger.Error("failed to persist died space", "error", err)
		return
	}

	event := domain.NewSpaceEvent(space.ID, domain.EventSpaceDied, monitoring.EventMessage(domain.EventSpaceDied, space.Name))
	if err := h.store.CreateEvent(ctx, event); err != nil {
		logger.Warn("failed to record death event", "error", err)
	}

	h.mu.Lock()
	delete(h.previous, space.ID)
	h.mu.Unlock()
}
