// Package proxy implements the ingress HTTP server that routes incoming
// requests to running spaces based on hostname, and wakes sleeping spaces
// on demand.
package proxy

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/core/proxy"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Config holds proxy server configuration.
type Config struct {
	Address      string        // Listen address, e.g., "0.0.0.0:9091"
	BaseDomain   string        // Base domain for spaces, e.g., "spaces.example.io"
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	IdleTimeout  time.Duration // HTTP idle timeout
	WakeTimeout  time.Duration // Upper bound for waking a sleeping space
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "0.0.0.0:9091",
		BaseDomain:   "spaces.localhost",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		WakeTimeout:  2 * time.Minute,
	}
}

// Server is the HTTP server that routes requests to spaces.
type Server struct {
	store   store.Store
	service *spaces.Service
	parser  proxy.HostnameParser
	logger  *slog.Logger
	config  Config
	errTmpl *template.Template

	// waking tracks spaces with an in-flight wake so a burst of requests
	// triggers only one start.
	mu     sync.Mutex
	waking map[string]struct{}
}

// NewServer creates a new proxy server. The spaces service is used to wake
// sleeping spaces on incoming traffic.
func NewServer(cfg Config, st store.Store, service *spaces.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WakeTimeout == 0 {
		cfg.WakeTimeout = 2 * time.Minute
	}

	errTmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &Server{
		store:   st,
		service: service,
		parser:  proxy.HostnameParser{BaseDomain: cfg.BaseDomain},
		logger:  logger.With("component", "proxy"),
		config:  cfg,
		errTmpl: errTmpl,
		waking:  make(map[string]struct{}),
	}, nil
}

// Start starts the proxy server (non-blocking).
func (s *Server) Start() *http.Server {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		s.logger.Info("starting space proxy server",
			"address", s.config.Address,
			"base_domain", s.config.BaseDomain,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy server error", "error", err)
		}
	}()

	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hostname := r.Host

	// Health endpoint responds regardless of hostname
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.serveHealth(w, r)
		return
	}

	slug, ok := s.parser.Parse(hostname)
	if !ok {
		s.serveError(w, proxy.NewNotFoundError(hostname))
		return
	}

	target, err := s.resolveTarget(ctx, slug)
	if err != nil {
		var proxyErr proxy.ProxyError
		if errors.As(err, &proxyErr) {
			s.serveError(w, proxyErr)
			return
		}
		s.logger.Error("failed to resolve target", "hostname", hostname, "error", err)
		s.serveError(w, proxy.NewUnavailableError(hostname))
		return
	}

	switch {
	case target.CanRoute():
		s.recordAccess(ctx, target.SpaceID)
		s.proxyRequest(w, r, target)

	case target.Wakeable():
		s.wake(target.SpaceID, target.Slug)
		w.Header().Set("Retry-After", "5")
		s.serveError(w, proxy.NewWakingError(hostname))

	case target.Building():
		w.Header().Set("Retry-After", "10")
		s.serveError(w, proxy.NewBuildingError(hostname))

	default:
		s.serveError(w, proxy.NewUnavailableError(hostname))
	}
}

// resolveTarget looks up the space behind a slug.
func (s *Server) resolveTarget(ctx context.Context, slug string) (proxy.ProxyTarget, error) {
	space, err := s.store.GetSpaceBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return proxy.ProxyTarget{}, proxy.NewNotFoundError(slug)
		}
		return proxy.ProxyTarget{}, err
	}

	return proxy.ProxyTarget{
		SpaceID: space.ID,
		Slug:    space.Slug,
		Port:    space.HostPort,
		Status:  string(space.Status),
	}, nil
}

// wake starts a sleeping space in the background, once per space at a time.
func (s *Server) wake(spaceID, slug string) {
	s.mu.Lock()
	if _, inFlight := s.waking[spaceID]; inFlight {
		s.mu.Unlock()
		return
	}
	s.waking[spaceID] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("waking space on incoming traffic", "space", spaceID, "slug", slug)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.waking, spaceID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.WakeTimeout)
		defer cancel()

		if _, err := s.service.Start(ctx, spaceID); err != nil {
			// Lost the race with another starter, or a real failure.
			if errors.Is(err, domain.ErrInvalidTransition) {
				return
			}
			s.logger.Error("failed to wake space", "space", spaceID, "error", err)
		}
	}()
}

// recordAccess stamps the space's last-access time for the idle reaper.
func (s *Server) recordAccess(ctx context.Context, spaceID string) {
	if err := s.store.TouchSpaceAccess(ctx, spaceID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to record space access", "space", spaceID, "error", err)
	}
}

func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request, target proxy.ProxyTarget) {
	upstream, err := url.Parse("http://" + target.LocalAddress())
	if err != nil {
		s.logger.Error("bad upstream address", "space", target.SpaceID, "error", err)
		s.serveError(w, proxy.NewUnavailableError(r.Host))
		return
	}

	reverseProxy := httputil.NewSingleHostReverseProxy(upstream)

	originalDirector := reverseProxy.Director
	reverseProxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", r.Host)
		req.Header.Set("X-Real-IP", getRealIP(r))
		req.Header.Set("X-Space-ID", target.SpaceID)
	}

	reverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error("proxy error",
			"hostname", r.Host,
			"space", target.SpaceID,
			"error", err,
		)
		s.serveError(w, proxy.NewUnavailableError(r.Host))
	}

	reverseProxy.ServeHTTP(w, r)
}

func (s *Server) serveError(w http.ResponseWriter, err proxy.ProxyError) {
	s.logger.Warn("request not proxied",
		"type", err.Type,
		"hostname", err.Hostname,
		"status", err.StatusCode,
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(err.StatusCode)

	var tmplName string
	switch err.Type {
	case proxy.ErrorNotFound:
		tmplName = "not_found.html"
	case proxy.ErrorStopped:
		tmplName = "stopped.html"
	case proxy.ErrorWaking:
		tmplName = "waking.html"
	case proxy.ErrorBuilding:
		tmplName = "building.html"
	default:
		tmplName = "unavailable.html"
	}

	data := map[string]interface{}{
		"Hostname": err.Hostname,
		"Message":  err.Message,
	}

	if execErr := s.errTmpl.ExecuteTemplate(w, tmplName, data); execErr != nil {
		s.logger.Error("failed to execute error template", "error", execErr)
		http.Error(w, err.Message, err.StatusCode)
	}
}

// getRealIP extracts the real client IP from the request.
func getRealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	return r.RemoteAddr
}

// HealthResponse is the JSON response for the health endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	SpacesRoutable int    `json:"spaces_routable"`
	BaseDomain     string `json:"base_domain"`
}

// serveHealth handles the /health endpoint.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count := 0
	running, err := s.store.ListSpacesByStatus(ctx, domain.StatusRunning)
	if err != nil {
		s.logger.Error("failed to list running spaces", "error", err)
	} else {
		for i := range running {
			if running[i].Routable() {
				count++
			}
		}
	}

	resp := HealthResponse{
		Status:         "ok",
		SpacesRoutable: count,
		BaseDomain:     s.config.BaseDomain,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
