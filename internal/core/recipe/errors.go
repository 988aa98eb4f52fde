package recipe

import (
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptySpec is returned when the recipe spec is empty.
	ErrEmptySpec = errors.New("recipe spec is empty")

	// ErrInvalidSpec is returned when the recipe spec is not valid YAML.
	ErrInvalidSpec = errors.New("recipe spec is not valid YAML")

	// ErrBaseImageRequired is returned when no base image is set.
	ErrBaseImageRequired = errors.New("base image is required")

	// ErrInvalidBaseImage is returned for malformed image references.
	ErrInvalidBaseImage = errors.New("invalid base image reference")

	// ErrInvalidPackage is returned for malformed system package names.
	ErrInvalidPackage = errors.New("invalid system package name")

	// ErrInvalidPort is returned for ports outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrCommandRequired is returned when the entrypoint command is empty.
	ErrCommandRequired = errors.New("entrypoint command is required")

	// ErrPathEscape is returned when a recipe path escapes the bundle.
	ErrPathEscape = errors.New("path escapes the source bundle")

	// ErrUnsupportedInstruction is returned when parsing a Dockerfile with
	// instructions the recipe model cannot represent.
	ErrUnsupportedInstruction = errors.New("unsupported dockerfile instruction")

	// ErrMalformedDockerfile is returned when Dockerfile text cannot be parsed.
	ErrMalformedDockerfile = errors.New("malformed dockerfile")
)

// RecipeError wraps a recipe error with the field it refers to.
type RecipeError struct {
	Field   string
	Message string
	Err     error
}

func (e *RecipeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *RecipeError) Unwrap() error {
	return e.Err
}

// NewRecipeError creates a new RecipeError.
func NewRecipeError(field, message string, err error) *RecipeError {
	return &RecipeError{Field: field, Message: message, Err: err}
}
