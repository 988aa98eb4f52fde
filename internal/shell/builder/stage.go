package builder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/spaceport/internal/core/manifest"
	"github.com/artpar/spaceport/internal/core/recipe"
)

// =============================================================================
// Bundle Staging
// =============================================================================

// dockerfileName is the rendered Dockerfile inside the staged context.
const dockerfileName = "Dockerfile"

// Stage copies the source bundle into a fresh staging directory under
// workDir and writes the recipe's rendered Dockerfile on top. The returned
// directory is a self-contained build context; the caller removes it when
// the build finishes.
//
// When the recipe references a requirements file, its content is parsed
// before any image build starts so malformed manifests fail fast with a
// line-level error instead of an opaque pip failure.
func Stage(r recipe.Recipe, bundleDir, workDir string) (string, error) {
	info, err := os.Stat(bundleDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrBundleMissing, bundleDir)
	}

	dockerfile, err := r.Render()
	if err != nil {
		return "", err
	}

	if r.RequirementsFile != "" {
		content, err := os.ReadFile(filepath.Join(bundleDir, r.RequirementsFile))
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrRequirementsMissing, r.RequirementsFile)
		}
		if _, err := manifest.Parse(string(content)); err != nil {
			return "", fmt.Errorf("invalid %s: %w", r.RequirementsFile, err)
		}
	}

	if script := entrypointScript(r.Command); script != "" {
		if _, err := os.Stat(filepath.Join(bundleDir, script)); err != nil {
			return "", fmt.Errorf("%w: %s", ErrEntrypointMissing, script)
		}
	}

	stageDir, err := os.MkdirTemp(workDir, "build-")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}

	if err := copyTree(bundleDir, stageDir); err != nil {
		os.RemoveAll(stageDir)
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}

	if err := os.WriteFile(filepath.Join(stageDir, dockerfileName), []byte(dockerfile), 0o644); err != nil {
		os.RemoveAll(stageDir)
		return "", fmt.Errorf("%w: %v", ErrStageFailed, err)
	}

	return stageDir, nil
}

// entrypointScript returns the script file the recipe command executes, or
// "" when the command does not name one. A bundle missing its entrypoint
// would build fine and then crash on container start, so the script is
// checked up front alongside the requirements manifest.
func entrypointScript(cmd []string) string {
	for _, arg := range cmd {
		if strings.HasSuffix(arg, ".py") {
			return arg
		}
	}
	return ""
}

// copyTree copies regular files and directories from src into dst.
// Symlinks are skipped so a bundle cannot reference files outside itself.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
