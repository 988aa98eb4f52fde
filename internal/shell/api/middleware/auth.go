// Package middleware provides HTTP middleware for the Spaceport API.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/core/domain"
)

// =============================================================================
// Token Source Interface
// =============================================================================

// TokenSource supplies the API tokens presented tokens are verified against.
// The store implements this interface.
type TokenSource interface {
	ListAPITokens(ctx context.Context) ([]domain.APIToken, error)
	TouchAPIToken(ctx context.Context, id string, usedAt time.Time) error
}

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Tokens verifies presented bearer tokens. Required unless Disabled.
	Tokens TokenSource

	// Disabled skips authentication entirely. Meant for local development.
	Disabled bool

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware authenticates requests with a platform API token presented
// as an Authorization bearer header.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function. A request passes when its
// bearer token matches the bcrypt hash of any stored API token. The token's
// last-used timestamp is updated best-effort.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.Disabled {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "Missing bearer token")
			return
		}
		if err := crypto.ValidateTokenFormat(token); err != nil {
			m.config.Logger.Warn("malformed API token",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "Invalid token")
			return
		}

		stored, err := m.config.Tokens.ListAPITokens(r.Context())
		if err != nil {
			m.config.Logger.Error("failed to load API tokens", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "Internal Server Error", "Failed to verify token")
			return
		}

		for i := range stored {
			if crypto.VerifyToken(token, stored[i].Hash) == nil {
				if err := m.config.Tokens.TouchAPIToken(r.Context(), stored[i].ID, time.Now().UTC()); err != nil {
					m.config.Logger.Warn("failed to touch API token", "token", stored[i].ID, "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
		}

		m.config.Logger.Warn("rejected API token",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
			"hint", crypto.TokenHint(token),
		)
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "Invalid token")
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// =============================================================================
// JSON Error Response
// =============================================================================

// JSONAPIError represents a JSON:API error object.
type JSONAPIError struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// JSONAPIErrorResponse represents a JSON:API error response.
type JSONAPIErrorResponse struct {
	Errors []JSONAPIError `json:"errors"`
}

// writeJSONError writes a JSON:API formatted error response.
func writeJSONError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(JSONAPIErrorResponse{
		Errors: []JSONAPIError{
			{
				Status: http.StatusText(status),
				Title:  title,
				Detail: detail,
			},
		},
	})
}
