// Package api serves the job protocol over HTTP: payers and workers drive
// jobs through REST routes, operators hold bearer tokens for disputes, and
// /ws/events streams lifecycle events.
package api

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/paw-chain/mosaic/x/jobs/archive"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/settlement"
)

// MaxRequestSize caps request bodies. Settle requests carry a proof, so the
// cap sits well above the default proof size limit.
const MaxRequestSize = 4 << 20

// OrderRunner runs an order end to end on behalf of the daemon's worker.
type OrderRunner interface {
	Run(ctx context.Context, order settlement.Order) (*settlement.Outcome, error)
}

// Server represents the main API server
type Server struct {
	router      *gin.Engine
	config      *Config
	keeper      *keeper.Keeper
	gate        *keeper.Gate
	orders      OrderRunner
	archive     archive.Store
	wsHub       *WebSocketHub
	auth        *AuthService
	rateLimiter *RateLimiter
	logger      log.Logger
}

// Config holds server configuration
type Config struct {
	Addr            string
	JWTSecret       []byte
	CORSOrigins     []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	TokenTTL        time.Duration

	// RateLimit is nil or disabled to serve without limits.
	RateLimit *RateLimitConfig
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		CORSOrigins:     []string{"http://localhost:3000", "http://localhost:8080"},
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    10 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		RequestTimeout:  10 * time.Minute,
		TokenTTL:        time.Hour,
		RateLimit:       DefaultRateLimitConfig(),
	}
}

// Deps are the protocol components the server exposes. Orders, Archive and
// Events are optional; their routes answer 503 when unset.
type Deps struct {
	Keeper  *keeper.Keeper
	Gate    *keeper.Gate
	Orders  OrderRunner
	Archive archive.Store
	Events  EventSource
}

// NewServer creates a new API server instance
func NewServer(deps Deps, config *Config, logger log.Logger) (*Server, error) {
	if deps.Keeper == nil {
		return nil, errors.New("api server requires a keeper")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger = logger.With("module", "api")

	if len(config.JWTSecret) == 0 {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		config.JWTSecret = secret
		logger.Info("no JWT secret configured; operator tokens will not survive a restart")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}

	gate := deps.Gate
	if gate == nil {
		gate = keeper.NewGate(deps.Keeper)
	}

	s := &Server{
		config:  config,
		keeper:  deps.Keeper,
		gate:    gate,
		orders:  deps.Orders,
		archive: deps.Archive,
		auth:    NewAuthService(config.JWTSecret, deps.Keeper.IsOperator),
		logger:  logger,
	}
	if deps.Events != nil {
		s.wsHub = NewWebSocketHub(deps.Events, config.CORSOrigins, logger)
	}

	if config.RateLimit != nil && config.RateLimit.Enabled {
		rl, err := NewRateLimiter(config.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		s.rateLimiter = rl
	}

	s.setupRouter()
	return s, nil
}

// setupRouter configures the Gin router with all routes and middleware
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()

	// Recovery first so it sees panics from every later middleware.
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(SecurityHeadersMiddleware())
	s.router.Use(RequestSizeLimitMiddleware(MaxRequestSize))
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggerMiddleware(s.logger))
	if s.rateLimiter != nil {
		s.router.Use(RateLimitMiddleware(s.rateLimiter))
	}
	s.router.Use(TimeoutMiddleware(s.config.RequestTimeout))

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/rate-limit/stats", s.handleRateLimitStats)

	s.registerRoutes()
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(s.router)
}

// Auth returns the server's token service.
func (s *Server) Auth() *AuthService { return s.auth }

// healthCheck returns server health status
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:           s.config.Addr,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Close releases background resources.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
}

// handleRateLimitStats returns rate limiter statistics
func (s *Server) handleRateLimitStats(c *gin.Context) {
	stats := gin.H{"enabled": false}
	if s.rateLimiter != nil {
		stats = s.rateLimiter.GetStats()
	}
	if s.wsHub != nil {
		stats["websocket_clients"] = s.wsHub.GetConnectedClients()
	}
	c.JSON(http.StatusOK, stats)
}
