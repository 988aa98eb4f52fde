package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/monitoring"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Idle Reaper
// =============================================================================

// IdleReaperConfig configures the idle reaper worker.
type IdleReaperConfig struct {
	// Interval is the time between reap cycles.
	// Default: 5 minutes.
	Interval time.Duration
}

// DefaultIdleReaperConfig returns the default configuration.
func DefaultIdleReaperConfig() IdleReaperConfig {
	return IdleReaperConfig{
		Interval: 5 * time.Minute,
	}
}

// IdleReaper stops running spaces that have gone without traffic longer
// than their sleep TTL. Spaces with sleep disabled are never touched.
type IdleReaper struct {
	store   store.Store
	service *spaces.Service
	config  IdleReaperConfig
	logger  *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIdleReaper creates a new idle reaper worker.
func NewIdleReaper(s store.Store, service *spaces.Service, config IdleReaperConfig, logger *slog.Logger) *IdleReaper {
	if config.Interval == 0 {
		config.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleReaper{
		store:   s,
		service: service,
		config:  config,
		logger:  logger.With("component", "idle_reaper"),
	}
}

// Start begins the idle reaper background goroutine.
func (r *IdleReaper) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("idle reaper started", "interval", r.config.Interval)
}

// Stop gracefully stops the idle reaper.
func (r *IdleReaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("idle reaper stopped")
}

func (r *IdleReaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(r.ctx)
		}
	}
}

// RunCycle stops every running space that is idle past its TTL.
func (r *IdleReaper) RunCycle(ctx context.Context) {
	running, err := r.store.ListSpacesByStatus(ctx, domain.StatusRunning)
	if err != nil {
		r.logger.Error("failed to list running spaces", "error", err)
		return
	}

	now := time.Now().UTC()
	for i := range running {
		space := &running[i]
		if !monitoring.ShouldSleep(space, now) {
			continue
		}

		r.logger.Info("putting idle space to sleep",
			"space", space.ID,
			"slug", space.Slug,
			"sleep_ttl", space.SleepTTL,
		)
		if _, err := r.service.Stop(ctx, space.ID, true); err != nil {
			r.logger.Error("failed to sleep space", "space", space.ID, "error", err)
		}
	}
}
