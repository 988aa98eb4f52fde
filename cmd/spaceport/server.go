package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	coreproxy "github.com/artpar/spaceport/internal/core/proxy"

	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/shell/api"
	"github.com/artpar/spaceport/internal/shell/builder"
	"github.com/artpar/spaceport/internal/shell/docker"
	"github.com/artpar/spaceport/internal/shell/proxy"
	"github.com/artpar/spaceport/internal/shell/spaces"
	"github.com/artpar/spaceport/internal/shell/store"
	"github.com/artpar/spaceport/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the Spaceport application server.
type Server struct {
	config        *Config
	httpServer    *http.Server
	proxyServer   *http.Server
	proxyHandler  *proxy.Server
	store         store.Store
	docker        docker.Client
	buildRunner   *workers.BuildRunner
	healthChecker *workers.HealthChecker
	idleReaper    *workers.IdleReaper
	logger        *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Spaces.EncryptionPassphrase == "" {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      errors.New("spaces.encryption_passphrase must be set (SPACEPORT_SPACES_ENCRYPTION_PASSPHRASE)"),
			ExitCode: ExitConfigError,
		}
	}
	encryptionKey := crypto.DeriveKey(cfg.Spaces.EncryptionPassphrase)

	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker
	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify Docker connection
	if err := d.Ping(); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Space lifecycle service on top of the Docker orchestrator
	orchestrator := docker.NewOrchestrator(d, logger)
	service := spaces.NewService(s, orchestrator, encryptionKey, spaces.Config{
		PortRange: coreproxy.PortRange{
			Start: cfg.Spaces.PortRangeStart,
			End:   cfg.Spaces.PortRangeEnd,
		},
		StopTimeout:  cfg.Spaces.StopTimeout,
		ReadyTimeout: cfg.Spaces.ReadyTimeout,
	}, logger)

	// Image builder and background workers
	imageBuilder := builder.NewBuilder(s, d, logger, cfg.Spaces.BuildDir)

	buildRunner := workers.NewBuildRunner(s, imageBuilder, workers.BuildRunnerConfig{
		PollInterval: cfg.Workers.BuildPollInterval,
		BuildTimeout: cfg.Workers.BuildTimeout,
	}, logger)

	healthChecker := workers.NewHealthChecker(s, d, workers.HealthCheckerConfig{
		Interval:      cfg.Workers.HealthInterval,
		MaxConcurrent: cfg.Workers.HealthMaxConcurrent,
	}, logger)

	idleReaper := workers.NewIdleReaper(s, service, workers.IdleReaperConfig{
		Interval: cfg.Workers.ReapInterval,
	}, logger)

	// Management API
	handler := api.SetupAPI(api.APIConfig{
		Store:        s,
		Service:      service,
		Docker:       d,
		Logger:       logger,
		AuthDisabled: cfg.Auth.Disabled,
	})
	if cfg.Auth.Disabled {
		logger.Warn("API authentication disabled")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Ingress proxy for <slug>.<base_domain> traffic
	var proxyHandler *proxy.Server
	var proxyServer *http.Server
	if cfg.Proxy.Enabled {
		proxyHandler, err = proxy.NewServer(proxy.Config{
			Address:      cfg.Proxy.Address(),
			BaseDomain:   cfg.Proxy.BaseDomain,
			ReadTimeout:  cfg.Proxy.ReadTimeout,
			WriteTimeout: cfg.Proxy.WriteTimeout,
			IdleTimeout:  cfg.Proxy.IdleTimeout,
			WakeTimeout:  cfg.Proxy.WakeTimeout,
		}, s, service, logger)
		if err != nil {
			s.Close()
			d.Close()
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitConfigError,
			}
		}

		proxyServer = &http.Server{
			Addr:         cfg.Proxy.Address(),
			Handler:      proxyHandler,
			ReadTimeout:  cfg.Proxy.ReadTimeout,
			WriteTimeout: cfg.Proxy.WriteTimeout,
			IdleTimeout:  cfg.Proxy.IdleTimeout,
		}

		logger.Info("space proxy enabled",
			"address", cfg.Proxy.Address(),
			"base_domain", cfg.Proxy.BaseDomain,
		)
	} else {
		logger.Info("space proxy disabled")
	}

	return &Server{
		config:        cfg,
		httpServer:    httpServer,
		proxyServer:   proxyServer,
		proxyHandler:  proxyHandler,
		store:         s,
		docker:        d,
		buildRunner:   buildRunner,
		healthChecker: healthChecker,
		idleReaper:    idleReaper,
		logger:        logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start background workers
	s.buildRunner.Start()
	s.healthChecker.Start()
	s.idleReaper.Start()

	// Start proxy server in goroutine
	errCh := make(chan error, 2)
	if s.proxyServer != nil {
		go func() {
			s.logger.Info("starting space proxy server",
				"address", s.config.Proxy.Address(),
				"base_domain", s.config.Proxy.BaseDomain)
			if err := s.proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Start API server in goroutine
	go func() {
		s.logger.Info("starting API server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown API server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
	}

	// Shutdown proxy server
	if s.proxyServer != nil {
		if err := s.proxyServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("proxy server shutdown error", "error", err)
		}
	}

	// Stop background workers
	s.buildRunner.Stop()
	s.healthChecker.Stop()
	s.idleReaper.Stop()

	// Close Docker client
	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
