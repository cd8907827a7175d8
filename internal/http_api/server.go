package http_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dedata/checkpay/internal/metrics"
	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// HealthCheck checks one dependency of the API.
type HealthCheck func(ctx context.Context) error

// Options configure the HTTP server.
type Options struct {
	Port           int
	JWTSecret      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	Development    bool
}

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	checkins models.CheckInService
	auth     models.AuthService
	queue    models.PayoutQueue
	networks models.NetworkProvider
	health   map[string]HealthCheck

	jwtSecret []byte
	limiter   *ipRateLimiter
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(
	checkins models.CheckInService,
	auth models.AuthService,
	queue models.PayoutQueue,
	networks models.NetworkProvider,
	health map[string]HealthCheck,
	opts Options,
	logger *logger.Logger,
) *HTTPServer {
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	server := &HTTPServer{
		logger:    logger.With("component", "http"),
		router:    router,
		port:      opts.Port,
		checkins:  checkins,
		auth:      auth,
		queue:     queue,
		networks:  networks,
		health:    health,
		jwtSecret: []byte(opts.JWTSecret),
		limiter:   newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}

	router.Use(server.recovery(), server.requestLogger(), metrics.Middleware())
	router.Use(cors.New(corsConfig(opts.CORSOrigins)))

	// Define routes
	server.routes()

	return server
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Origin", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// Handler exposes the router, mostly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns nil after a graceful shutdown.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go s.limiter.cleanupLoop(time.Minute, stopCleanup)

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}
