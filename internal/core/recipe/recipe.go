// Package recipe models the container build recipe for dockerfile spaces.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// A recipe captures the deployment contract of a Python web space: base
// image, system build packages, a pip requirements manifest, the copied app
// directory, the exposed port, and the entrypoint command. Recipes render to
// Dockerfile text and parse back from it.
package recipe

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Recipe
// =============================================================================

// Recipe describes how a space's source bundle becomes a container image.
type Recipe struct {
	// BaseImage is the image the build starts FROM.
	BaseImage string `yaml:"base_image" json:"base_image"`

	// SystemPackages are apt packages installed at build time.
	SystemPackages []string `yaml:"system_packages,omitempty" json:"system_packages,omitempty"`

	// RequirementsFile is the pip manifest inside the bundle. Empty skips
	// the dependency install step.
	RequirementsFile string `yaml:"requirements_file,omitempty" json:"requirements_file,omitempty"`

	// AppDir is the bundle directory copied into the image.
	AppDir string `yaml:"app_dir" json:"app_dir"`

	// WorkDir is the working directory inside the container.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Port is the container port the app listens on.
	Port int `yaml:"port" json:"port"`

	// Env are plain build/runtime environment variables baked into the image.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Command is the container entrypoint command.
	Command []string `yaml:"command" json:"command"`
}

// Default returns the standard Python web space recipe: a Python 3.11 slim
// base with the compiler toolchain, pip requirements, the app bundle, the
// conventional hosting port, and a bare `python app.py` entrypoint.
func Default() Recipe {
	return Recipe{
		BaseImage:        "python:3.11-slim",
		SystemPackages:   []string{"build-essential"},
		RequirementsFile: "requirements.txt",
		AppDir:           ".",
		WorkDir:          "/app",
		Port:             7860,
		Command:          []string{"python", "app.py"},
	}
}

// =============================================================================
// YAML Codec
// =============================================================================

// FromYAML decodes a recipe spec. Missing fields fall back to Default().
func FromYAML(spec string) (Recipe, error) {
	r := Default()
	if strings.TrimSpace(spec) == "" {
		return Recipe{}, ErrEmptySpec
	}
	if err := yaml.Unmarshal([]byte(spec), &r); err != nil {
		return Recipe{}, NewRecipeError("spec", "invalid YAML syntax", ErrInvalidSpec)
	}
	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

// ToYAML encodes the recipe as a spec string.
func (r Recipe) ToYAML() (string, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// =============================================================================
// Validation
// =============================================================================

// imageRefRegex accepts registry/repo:tag image references.
var imageRefRegex = regexp.MustCompile(`^[a-z0-9]+(?:[._\-/][a-z0-9]+)*(?::[a-zA-Z0-9._\-]+)?(?:@sha256:[a-f0-9]{64})?$`)

// packageNameRegex accepts Debian package names.
var packageNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]+$`)

// Validate checks the recipe for structural problems.
func (r Recipe) Validate() error {
	if r.BaseImage == "" {
		return NewRecipeError("base_image", "base image is required", ErrBaseImageRequired)
	}
	if !imageRefRegex.MatchString(r.BaseImage) {
		return NewRecipeError("base_image", fmt.Sprintf("invalid image reference %q", r.BaseImage), ErrInvalidBaseImage)
	}
	for _, pkg := range r.SystemPackages {
		if !packageNameRegex.MatchString(pkg) {
			return NewRecipeError("system_packages", fmt.Sprintf("invalid package name %q", pkg), ErrInvalidPackage)
		}
	}
	if r.Port < 1 || r.Port > 65535 {
		return NewRecipeError("port", fmt.Sprintf("port %d out of range", r.Port), ErrInvalidPort)
	}
	if len(r.Command) == 0 {
		return NewRecipeError("command", "entrypoint command is required", ErrCommandRequired)
	}
	if strings.Contains(r.RequirementsFile, "..") {
		return NewRecipeError("requirements_file", "path cannot escape the bundle", ErrPathEscape)
	}
	if strings.HasPrefix(r.AppDir, "/") || strings.Contains(r.AppDir, "..") {
		return NewRecipeError("app_dir", "app dir must be a relative path inside the bundle", ErrPathEscape)
	}
	return nil
}

// sortedEnvKeys returns env keys in stable order so Render is deterministic.
func (r Recipe) sortedEnvKeys() []string {
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
