// Package builder turns a space's source bundle and recipe into a container
// image. It stages the build context, drives the Docker image build, and
// records progress on the build and space records.
package builder

import (
	"context"
	"log/slog"
	"os"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/monitoring"
	"github.com/artpar/spaceport/internal/core/recipe"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/store"
)

// logFlushLines is how many streamed build log lines accumulate before the
// build record is persisted mid-build.
const logFlushLines = 32

// =============================================================================
// Builder
// =============================================================================

// Builder runs image builds for dockerfile spaces.
type Builder struct {
	store   store.Store
	docker  docker.Client
	logger  *slog.Logger
	workDir string
}

// NewBuilder creates a builder that stages contexts under workDir.
func NewBuilder(st store.Store, cli docker.Client, logger *slog.Logger, workDir string) *Builder {
	return &Builder{
		store:   st,
		docker:  cli,
		logger:  logger.With("component", "builder"),
		workDir: workDir,
	}
}

// Run executes a claimed build to completion. The build must already be in
// running status. The space and build records reflect the outcome when Run
// returns; the returned error reports infrastructure failures, not build
// failures (a failed image build is a successful Run).
func (b *Builder) Run(ctx context.Context, build *domain.Build) error {
	space, err := b.store.GetSpace(ctx, build.SpaceID)
	if err != nil {
		return NewBuildError("Run", build.SpaceID, build.ID, "failed to load space", err)
	}

	if err := space.Transition(domain.StatusBuilding); err != nil {
		b.failBuild(ctx, space, build, "space cannot start a build: "+err.Error())
		return nil
	}
	if err := b.store.UpdateSpace(ctx, space); err != nil {
		return NewBuildError("Run", space.ID, build.ID, "failed to update space", err)
	}
	b.recordEvent(ctx, space, domain.EventBuildStarted)

	b.logger.Info("build started", "space", space.ID, "build", build.ID, "number", build.Number)

	r, err := recipe.FromYAML(space.RecipeSpec)
	if err != nil {
		b.failBuild(ctx, space, build, "invalid recipe: "+err.Error())
		return nil
	}

	stageDir, err := Stage(r, space.BundleDir, b.workDir)
	if err != nil {
		b.failBuild(ctx, space, build, "staging failed: "+err.Error())
		return nil
	}
	defer os.RemoveAll(stageDir)

	tag := domain.GenerateImageTag(space.Slug, build.Number)

	pending := 0
	onLog := func(line string) {
		build.AppendLog(line + "\n")
		pending++
		if pending >= logFlushLines {
			pending = 0
			if err := b.store.UpdateBuild(ctx, build); err != nil {
				b.logger.Warn("failed to flush build log", "build", build.ID, "error", err)
			}
		}
	}

	buildErr := b.docker.BuildImage(ctx, docker.BuildOptions{
		ContextDir: stageDir,
		Dockerfile: dockerfileName,
		Tags:       []string{tag},
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelSpace:   space.ID,
			docker.LabelBuild:   build.ID,
		},
		OnLog: onLog,
	})
	if buildErr != nil {
		b.failBuild(ctx, space, build, buildErr.Error())
		return nil
	}

	if err := build.Succeed(tag); err != nil {
		return NewBuildError("Run", space.ID, build.ID, "build in unexpected status", err)
	}
	if err := b.store.UpdateBuild(ctx, build); err != nil {
		return NewBuildError("Run", space.ID, build.ID, "failed to update build", err)
	}

	space.ImageTag = tag
	if err := space.Transition(domain.StatusBuilt); err != nil {
		return NewBuildError("Run", space.ID, build.ID, "space in unexpected status", err)
	}
	if err := b.store.UpdateSpace(ctx, space); err != nil {
		return NewBuildError("Run", space.ID, build.ID, "failed to update space", err)
	}
	b.recordEvent(ctx, space, domain.EventBuildSucceeded)

	b.logger.Info("build succeeded", "space", space.ID, "build", build.ID, "image", tag)
	return nil
}

// failBuild marks the build and space failed and records the event.
// Persistence errors here are logged, not returned, so the original failure
// is not masked.
func (b *Builder) failBuild(ctx context.Context, space *domain.Space, build *domain.Build, message string) {
	b.logger.Warn("build failed", "space", space.ID, "build", build.ID, "error", message)

	build.AppendLog("ERROR: " + message + "\n")
	if err := build.Fail(message); err != nil {
		b.logger.Warn("build in unexpected status on failure", "build", build.ID, "error", err)
	}
	if err := b.store.UpdateBuild(ctx, build); err != nil {
		b.logger.Warn("failed to persist failed build", "build", build.ID, "error", err)
	}

	if space.Status == domain.StatusBuilding {
		if err := space.TransitionToFailed(message); err == nil {
			if err := b.store.UpdateSpace(ctx, space); err != nil {
				b.logger.Warn("failed to persist failed space", "space", space.ID, "error", err)
			}
		}
	}
	b.recordEvent(ctx, space, domain.EventBuildFailed)
}

func (b *Builder) recordEvent(ctx context.Context, space *domain.Space, eventType domain.SpaceEventType) {
	event := domain.NewSpaceEvent(space.ID, eventType, monitoring.EventMessage(eventType, space.Name))
	if err := b.store.CreateEvent(ctx, event); err != nil {
		b.logger.Warn("failed to record event", "space", space.ID, "type", eventType, "error", err)
	}
}
