// Package http provides the HTTP surface of selfheal: health, metrics,
// status and the tenant intake API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/ledger"
	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// maxBodyBytes bounds a registration payload.
const maxBodyBytes = "64K"

// Server provides HTTP endpoints for selfheal.
type Server struct {
	echo     *echo.Echo
	registry *tenant.Registry
	ledger   *ledger.Ledger
	logger   *zap.Logger
	config   *Config
	metrics  *requestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// IntakeToken guards the /v1 routes. When unset they are not mounted.
	IntakeToken config.Secret
	Version     string
}

// NewServer creates a new HTTP server.
func NewServer(registry *tenant.Registry, led *ledger.Ledger, logger *zap.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	metrics := newGlobalRequestMetrics(logger)
	e.Use(metrics.middleware)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: registry,
		ledger:   led,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/status", s.handleStatus)

	if !s.config.IntakeToken.IsSet() {
		s.logger.Warn("intake token not configured, tenant API disabled")
		return
	}
	v1 := s.echo.Group("/v1", s.requireToken)
	v1.POST("/tenants", s.handleRegister)
	v1.GET("/tenants", s.handleListTenants)
	v1.GET("/ledger", s.handleListLedger)
}

// requireToken checks the bearer token against the intake token.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok {
			s.metrics.recordRejected(c.Request().Context(), "missing")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid intake token")
		}
		if !s.config.IntakeToken.Matches(got) {
			s.metrics.recordRejected(c.Request().Context(), "mismatch")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid intake token")
		}
		return next(c)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := CountTenants(ctx, s.registry, time.Now())
	if err != nil {
		s.logger.Error("count tenants failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "degraded", Version: s.config.Version})
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Tenants: counts,
	})
}

// handleRegister creates or refreshes a tenant. Raw tokens in the body are
// moved to the secret store; the response only carries references.
func (s *Server) handleRegister(c echo.Context) error {
	var req tenant.Registration
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid registration request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cfg, err := s.registry.Register(c.Request().Context(), req)
	if err != nil {
		if isRegistrationError(err) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("register tenant failed", zap.String("org", req.Org), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "registration failed")
	}

	s.logger.Info("tenant registered", zap.String("tenant", cfg.Key))
	return c.JSON(http.StatusOK, tenantResponse(*cfg))
}

func (s *Server) handleListTenants(c echo.Context) error {
	all, err := s.registry.List(c.Request().Context())
	if err != nil {
		s.logger.Error("list tenants failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list tenants failed")
	}
	resp := make([]TenantResponse, 0, len(all))
	for _, cfg := range all {
		resp = append(resp, tenantResponse(cfg))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListLedger(c echo.Context) error {
	key := c.QueryParam("tenant")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant query parameter is required")
	}
	records, err := s.ledger.List(c.Request().Context(), key)
	if err != nil {
		s.logger.Error("list ledger failed", zap.String("tenant", key), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list ledger failed")
	}
	if records == nil {
		records = []ledger.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func isRegistrationError(err error) bool {
	for _, target := range []error{
		tenant.ErrInvalidOrg,
		tenant.ErrPlaceholderOrg,
		tenant.ErrMissingCredential,
		tenant.ErrInvalidReference,
		tenant.ErrInvalidRepository,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
