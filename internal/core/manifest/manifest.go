// Package manifest parses pip requirements manifests (requirements.txt).
// This is part of the Functional Core - all functions are pure with no I/O.
package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyManifest is returned when the manifest has no requirements.
	ErrEmptyManifest = errors.New("requirements manifest is empty")

	// ErrDirectiveNotAllowed is returned for pip directives (-r, -e, --index-url).
	// Manifests must be self-contained so builds are reproducible.
	ErrDirectiveNotAllowed = errors.New("pip directives are not allowed")

	// ErrInvalidRequirement is returned for lines that are not valid requirements.
	ErrInvalidRequirement = errors.New("invalid requirement")

	// ErrDuplicatePackage is returned when a package appears more than once.
	ErrDuplicatePackage = errors.New("duplicate package")
)

// ParseError wraps a manifest error with its line number.
type ParseError struct {
	Line    int
	Text    string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Err, e.Text)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Requirement
// =============================================================================

// Requirement is a single parsed dependency line.
type Requirement struct {
	// Name is the package name as written.
	Name string `json:"name"`

	// Normalized is the PEP 503 normalized name used for duplicate checks.
	Normalized string `json:"normalized"`

	// Extras are the requested extras, e.g. gunicorn[gevent].
	Extras []string `json:"extras,omitempty"`

	// Specifier is the version constraint, e.g. "==2.31.0" or ">=1.2,<2".
	// Empty means any version.
	Specifier string `json:"specifier,omitempty"`

	// Marker is the environment marker after ";" if present.
	Marker string `json:"marker,omitempty"`
}

// Pinned returns true if the requirement pins an exact version.
func (r Requirement) Pinned() bool {
	return strings.HasPrefix(r.Specifier, "==")
}

// requirementRegex matches: name, optional [extras], optional specifier.
var requirementRegex = regexp.MustCompile(
	`^([A-Za-z0-9][A-Za-z0-9._\-]*)` + // name
		`(?:\[([A-Za-z0-9._\-]+(?:\s*,\s*[A-Za-z0-9._\-]+)*)\])?` + // extras
		`\s*((?:==|>=|<=|~=|!=|<|>|===)\s*[^,;\s]+(?:\s*,\s*(?:==|>=|<=|~=|!=|<|>|===)\s*[^,;\s]+)*)?\s*$`, // specifier
)

var normalizeRegex = regexp.MustCompile(`[-_.]+`)

// Normalize applies PEP 503 name normalization: lowercase with runs of
// ".", "-", "_" collapsed to a single "-".
func Normalize(name string) string {
	return strings.ToLower(normalizeRegex.ReplaceAllString(name, "-"))
}

// =============================================================================
// Parsing
// =============================================================================

// Parse parses requirements.txt content into requirements. Comments and
// blank lines are skipped; backslash continuations are joined. Pip
// directives are rejected, as are duplicate packages (PEP 503 normalized).
func Parse(content string) ([]Requirement, error) {
	var reqs []Requirement
	seen := make(map[string]bool)

	lines := strings.Split(content, "\n")
	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		line := strings.TrimSpace(lines[i])

		// Join continuations
		for strings.HasSuffix(line, "\\") && i+1 < len(lines) {
			i++
			line = strings.TrimSuffix(line, "\\") + strings.TrimSpace(lines[i])
		}

		// Strip trailing comments
		if idx := strings.Index(line, " #"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "-") {
			return nil, &ParseError{Line: lineNo, Text: line, Err: ErrDirectiveNotAllowed}
		}

		// Split off environment marker
		spec := line
		marker := ""
		if idx := strings.Index(line, ";"); idx != -1 {
			spec = strings.TrimSpace(line[:idx])
			marker = strings.TrimSpace(line[idx+1:])
		}

		m := requirementRegex.FindStringSubmatch(spec)
		if m == nil {
			return nil, &ParseError{Line: lineNo, Text: line, Err: ErrInvalidRequirement}
		}

		req := Requirement{
			Name:       m[1],
			Normalized: Normalize(m[1]),
			Specifier:  strings.ReplaceAll(m[3], " ", ""),
			Marker:     marker,
		}
		if m[2] != "" {
			for _, e := range strings.Split(m[2], ",") {
				req.Extras = append(req.Extras, strings.TrimSpace(e))
			}
		}

		if seen[req.Normalized] {
			return nil, &ParseError{Line: lineNo, Text: line, Err: ErrDuplicatePackage}
		}
		seen[req.Normalized] = true
		reqs = append(reqs, req)
	}

	if len(reqs) == 0 {
		return nil, ErrEmptyManifest
	}
	return reqs, nil
}

// CountPinned returns how many requirements pin an exact version.
func CountPinned(reqs []Requirement) int {
	n := 0
	for _, r := range reqs {
		if r.Pinned() {
			n++
		}
	}
	return n
}
