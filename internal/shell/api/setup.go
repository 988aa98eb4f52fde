// Package api provides the HTTP surface of Spaceport: JSON:API resources
// for spaces and secrets, action endpoints for the lifecycle operations,
// and a reflective OpenAPI document.
package api

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/manyminds/api2go"

	"github.com/artpar/spaceport/internal/shell/api/middleware"
	"github.com/artpar/spaceport/internal/shell/api/openapi"
	"github.com/artpar/spaceport/internal/shell/api/resources"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
)

// =============================================================================
// API Setup
// =============================================================================

// APIConfig holds configuration for the API setup.
type APIConfig struct {
	Store   store.Store
	Service *spaces.Service
	Docker  docker.Client
	Logger  *slog.Logger

	// AuthDisabled skips bearer-token auth. Meant for local development.
	AuthDisabled bool
}

// SetupAPI creates the complete API router with JSON:API resources, action
// endpoints, and the OpenAPI document. Health endpoints stay outside auth.
func SetupAPI(cfg APIConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware(cfg.Logger))

	// Health endpoints (not JSON:API, just simple JSON, no auth)
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/ready", readyHandler(cfg.Docker)).Methods("GET")

	// Everything under /api requires a bearer token
	authMW := middleware.NewAuthMiddleware(middleware.AuthConfig{
		Tokens:   cfg.Store,
		Disabled: cfg.AuthDisabled,
		Logger:   cfg.Logger,
	})
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(authMW.Handler)

	// JSON:API resources
	jsonAPI := api2go.NewAPIWithResolver("v1", api2go.NewStaticResolver("/api"))
	jsonAPI.ContentType = "application/vnd.api+json"

	spaceResource := resources.NewSpaceResource(cfg.Store, cfg.Service, cfg.Docker, cfg.Logger)
	secretResource := resources.NewSecretResource(cfg.Store, cfg.Service, cfg.Logger)

	jsonAPI.AddResource(resources.Space{}, spaceResource)
	jsonAPI.AddResource(resources.Secret{}, secretResource)

	// Space action endpoints. Registered before the api2go catch-all so mux
	// matches them first.
	action := func(handler func(id string, r *http.Request) (api2go.Responder, error)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			resp, err := handler(mux.Vars(r)["id"], r)
			writeResponder(w, resp, err, cfg.Logger)
		}
	}

	apiRouter.HandleFunc("/v1/spaces/{id}/build", action(spaceResource.QueueBuild)).Methods("POST")
	apiRouter.HandleFunc("/v1/spaces/{id}/start", action(spaceResource.StartSpace)).Methods("POST")
	apiRouter.HandleFunc("/v1/spaces/{id}/stop", action(spaceResource.StopSpace)).Methods("POST")
	apiRouter.HandleFunc("/v1/spaces/{id}/builds", action(spaceResource.ListBuilds)).Methods("GET")
	apiRouter.HandleFunc("/v1/spaces/{id}/events", action(spaceResource.ListEvents)).Methods("GET")
	apiRouter.HandleFunc("/v1/spaces/{id}/verify-credential", action(spaceResource.VerifyCredential)).Methods("POST")

	apiRouter.HandleFunc("/v1/spaces/{id}/builds/{build_id}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		resp, err := spaceResource.GetBuild(vars["id"], vars["build_id"], r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("GET")

	apiRouter.HandleFunc("/v1/spaces/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		logs, errResp, err := spaceResource.ContainerLogs(mux.Vars(r)["id"], r)
		if err != nil {
			writeResponder(w, errResp, err, cfg.Logger)
			return
		}
		defer logs.Close()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := io.Copy(w, logs); err != nil {
			cfg.Logger.Warn("failed to stream container logs", "error", err)
		}
	}).Methods("GET")

	// OpenAPI document
	apiRouter.HandleFunc("/openapi.json", openapiGenerator().Handler()).Methods("GET")

	// api2go expects paths without the /api prefix
	apiRouter.PathPrefix("/").Handler(http.StripPrefix("/api", jsonAPI.Handler()))

	return router
}

// openapiGenerator builds the reflective OpenAPI generator for the platform
// resources and their action endpoints.
func openapiGenerator() *openapi.Generator {
	gen := openapi.NewGenerator(
		openapi.WithTitle("Spaceport API"),
		openapi.WithVersion("1.0.0"),
		openapi.WithDescription("Hosting platform for containerized Python web apps"),
		openapi.WithServer("/api/v1"),
	)

	gen.RegisterResource(openapi.ResourceInfo{
		Name:           "spaces",
		Model:          resources.Space{},
		SupportsFind:   true,
		SupportsCreate: true,
		SupportsUpdate: true,
		SupportsDelete: true,
		Actions: []openapi.ActionInfo{
			{Name: "build", Method: "POST", Summary: "Queue an image build", Response: resources.Build{}},
			{Name: "start", Method: "POST", Summary: "Start the space"},
			{Name: "stop", Method: "POST", Summary: "Stop the space"},
			{Name: "builds", Method: "GET", Summary: "List builds", Response: resources.Build{}},
			{Name: "events", Method: "GET", Summary: "List lifecycle events", Response: resources.Event{}},
			{Name: "logs", Method: "GET", Summary: "Stream container logs"},
			{Name: "verify-credential", Method: "POST", Summary: "Verify a bound service-account credential", Response: resources.CredentialCheck{}},
		},
	})
	gen.RegisterResource(openapi.ResourceInfo{
		Name:           "secrets",
		Model:          resources.Secret{},
		SupportsFind:   true,
		SupportsCreate: true,
		SupportsUpdate: false, // Rotation goes through Create
		SupportsDelete: true,
	})

	return gen
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDMiddleware generates and adds a request ID to responses.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns a 500 error.
func recoveryMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err)
					w.Header().Set("Content-Type", "application/vnd.api+json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]interface{}{
						"errors": []map[string]interface{}{
							{
								"status": "500",
								"title":  "Internal Server Error",
								"detail": "An unexpected error occurred",
							},
						},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Health Handlers
// =============================================================================

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(docker docker.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		checks := make(map[string]string)
		checks["database"] = "ok"

		if err := docker.Ping(); err != nil {
			checks["docker"] = "failed"
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "not_ready",
				"checks": checks,
			})
			return
		}
		checks["docker"] = "ok"

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
			"checks": checks,
		})
	}
}

// =============================================================================
// Helpers
// =============================================================================

// writeResponder writes an api2go.Responder to the response writer.
func writeResponder(w http.ResponseWriter, resp api2go.Responder, err error, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/vnd.api+json")

	if err != nil {
		// Action handlers pair errors with a responder carrying the intended
		// status code.
		status := http.StatusInternalServerError
		if resp != nil && resp.StatusCode() != 0 {
			status = resp.StatusCode()
		}
		if httpErr, ok := err.(api2go.HTTPError); ok && len(httpErr.Errors) > 0 {
			if s := parseStatus(httpErr.Errors[0].Status); s != http.StatusInternalServerError {
				status = s
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request error", "error", err)
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]interface{}{
				{
					"status": strconv.Itoa(status),
					"title":  http.StatusText(status),
					"detail": err.Error(),
				},
			},
		})
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(resp.StatusCode())
	if result := resp.Result(); result != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": result,
			"meta": resp.Metadata(),
		})
	}
}

// parseStatus converts a status string to an int.
func parseStatus(status string) int {
	if status == "" {
		return http.StatusInternalServerError
	}
	n := json.Number(status)
	if i, err := n.Int64(); err == nil && i > 0 {
		return int(i)
	}
	return http.StatusInternalServerError
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	return "req_" + randomString(12)
}

// randomString generates a cryptographically random string of the given length.
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		b[i] = letters[idx.Int64()]
	}
	return string(b)
}
