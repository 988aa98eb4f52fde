// Package workers contains the background workers of Spaceport: the build
// runner, the space health checker, and the idle reaper.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/spaceport/internal/shell/builder"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Build Runner
// =============================================================================

// BuildRunnerConfig configures the build runner worker.
type BuildRunnerConfig struct {
	// PollInterval is how often the queue is polled when empty.
	// Default: 2 seconds.
	PollInterval time.Duration

	// BuildTimeout bounds a single image build.
	// Default: 15 minutes.
	BuildTimeout time.Duration
}

// DefaultBuildRunnerConfig returns the default configuration.
func DefaultBuildRunnerConfig() BuildRunnerConfig {
	return BuildRunnerConfig{
		PollInterval: 2 * time.Second,
		BuildTimeout: 15 * time.Minute,
	}
}

// BuildRunner claims queued builds one at a time and runs them. Claiming is
// transactional, so multiple runners never pick up the same build.
type BuildRunner struct {
	store   store.Store
	builder *builder.Builder
	config  BuildRunnerConfig
	logger  *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBuildRunner creates a new build runner worker.
func NewBuildRunner(s store.Store, b *builder.Builder, config BuildRunnerConfig, logger *slog.Logger) *BuildRunner {
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.BuildTimeout == 0 {
		config.BuildTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildRunner{
		store:   s,
		builder: b,
		config:  config,
		logger:  logger.With("component", "build_runner"),
	}
}

// Start begins the build runner background goroutine.
func (r *BuildRunner) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("build runner started",
		"poll_interval", r.config.PollInterval,
		"build_timeout", r.config.BuildTimeout,
	)
}

// Stop gracefully stops the build runner, waiting for an in-progress build
// to finish or time out.
func (r *BuildRunner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("build runner stopped")
}

// run is the main loop. After finishing a build it immediately tries to
// claim the next one, so a backlog drains without poll delays.
func (r *BuildRunner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		if claimed := r.RunOnce(r.ctx); claimed {
			continue
		}
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and runs a single queued build. It returns true when a
// build was claimed, whether or not it succeeded.
func (r *BuildRunner) RunOnce(ctx context.Context) bool {
	build, err := r.store.ClaimQueuedBuild(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("failed to claim build", "error", err)
		}
		return false
	}

	buildCtx, cancel := context.WithTimeout(ctx, r.config.BuildTimeout)
	defer cancel()

	if err := r.builder.Run(buildCtx, build); err != nil {
		r.logger.Error("build run failed", "build", build.ID, "error", err)
	}
	return true
}
