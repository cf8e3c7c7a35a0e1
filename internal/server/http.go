package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DefaultBodySizeLimit is used when Config.BodySizeLimit is not set.
const DefaultBodySizeLimit int64 = 10 << 20

// Server is the gateway's HTTP front.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options.
type Config struct {
	// MasterKey enables bearer auth when set.
	MasterKey       string
	MetricsEnabled  bool
	MetricsEndpoint string
	// BodySizeLimit is in bytes; zero means DefaultBodySizeLimit.
	BodySizeLimit int64
}

// New builds the echo app. cfg may be nil.
func New(handler *Handler, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	limit := cfg.BodySizeLimit
	if limit <= 0 {
		limit = DefaultBodySizeLimit
	}

	metricsPath, metricsOn := metricsRoute(cfg, handler)
	public := []string{"/health"}
	if metricsOn {
		public = append(public, metricsPath)
	}

	// The logger reads the request id; auth runs after the body limit.
	e.Use(RequestID())
	e.Use(RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(strconv.FormatInt(limit, 10)))
	e.Use(AuthMiddleware(cfg.MasterKey, public...))

	e.GET("/health", handler.Health)
	if metricsOn {
		e.GET(metricsPath, echo.WrapHandler(handler.metrics.Handler()))
	}
	e.GET("/v1/models", handler.ListModels)
	e.POST("/v1/chat/completions", handler.ChatCompletion)
	e.POST("/chat/completions", handler.ChatCompletion)

	return &Server{echo: e, handler: handler}
}

// metricsRoute resolves the metrics path. A path that would shadow an API
// route falls back to /metrics.
func metricsRoute(cfg *Config, handler *Handler) (string, bool) {
	if !cfg.MetricsEnabled || handler.metrics == nil {
		return "", false
	}
	p := "/metrics"
	if cfg.MetricsEndpoint != "" {
		p = path.Clean("/" + cfg.MetricsEndpoint)
	}
	if p == "/v1" || p == "/health" || p == "/chat/completions" || strings.HasPrefix(p, "/v1/") {
		p = "/metrics"
	}
	return p, true
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
