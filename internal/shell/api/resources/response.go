// Package resources provides JSON:API resource implementations for the
// Spaceport API.
package resources

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/manyminds/api2go"

	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// Response
// =============================================================================

// Response implements api2go.Responder.
type Response struct {
	Code int
	Res  interface{}
	Meta map[string]interface{}
}

// Metadata returns additional metadata for the response.
func (r *Response) Metadata() map[string]interface{} {
	return r.Meta
}

// Result returns the response data.
func (r *Response) Result() interface{} {
	return r.Res
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int {
	return r.Code
}

// =============================================================================
// Shared Error Helpers
// =============================================================================

// isNotFound checks if an error is a store not-found error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// notFoundError builds a JSON:API 404 for the named entity.
func notFoundError(entity string) error {
	return api2go.NewHTTPError(
		fmt.Errorf("%s not found", entity),
		entity+" not found",
		http.StatusNotFound,
	)
}

// badRequestError builds a JSON:API 400 with the given detail.
func badRequestError(detail string) error {
	return api2go.NewHTTPError(
		fmt.Errorf("%s", detail),
		detail,
		http.StatusBadRequest,
	)
}

// conflictError builds a JSON:API 409 with the given detail.
func conflictError(detail string) error {
	return api2go.NewHTTPError(
		fmt.Errorf("%s", detail),
		detail,
		http.StatusConflict,
	)
}
