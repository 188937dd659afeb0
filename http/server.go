// Package http provides the shared Echo server setup used by the serve and
// controller processes (respond runs no HTTP server): middleware stack,
// health checks, and graceful startup/shutdown.
package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// ServerConfig contains configuration for creating an Echo server.
type ServerConfig struct {
	Port            int
	Debug           bool
	BodyLimit       string // e.g., "10M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // For CORS
	RateLimit       float64  // Requests per second (0 = no limit)
}

// NewEchoServer creates a new Echo server with the standard middleware
// stack: request logging, panic recovery, body-size limiting, CORS, a
// request ID on every response, and optional rate limiting.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}

	e.Use(middleware.RequestID())

	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	return e
}

// HealthResponse is the body every /healthz endpoint returns.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckHandler returns a bare health check handler, used by the
// serve subcommand, which has no load-bearing internal state worth
// reporting beyond "the process answered".
func HealthCheckHandler(serviceName, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
		})
	}
}

// HealthCheckHandlerWithDetails returns a health check handler that also
// reports detailsFunc's result, used by the controller subcommand's admin
// server to surface live job-controller state (running job count against
// its configured ceiling) rather than a bare "healthy".
func HealthCheckHandlerWithDetails(serviceName, version string, detailsFunc func() map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		details := make(map[string]interface{})
		if detailsFunc != nil {
			details = detailsFunc()
		}

		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Version: version,
			Details: details,
		})
	}
}

// StartServer starts an Echo server with configured read/write timeouts.
func StartServer(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	log.Printf("Starting server on port %d", config.Port)
	return e.StartServer(s)
}

// GracefulShutdown shuts the Echo server down within timeout, letting
// in-flight requests finish rather than cutting them off.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Println("Shutting down server gracefully...")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Println("Server stopped")
	return nil
}
