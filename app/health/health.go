// Package health serves liveness and readiness checks for the mosaic daemon.
//
// Each component (job ledger, prover, chain mirror, archive) registers a check
// function. Checks run in parallel and results are cached briefly so load
// balancer probes do not hammer the prover.
//
// Endpoints:
// - /health - Basic liveness check
// - /health/ready - Readiness check for load balancers
// - /health/detailed - Comprehensive status with metrics
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/mux"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ComponentHealth represents the health status of a single component
type ComponentHealth struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// HealthCheck represents the overall health check response
type HealthCheck struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

// CheckFunc inspects one component. It must honour ctx.
type CheckFunc func(ctx context.Context) ComponentHealth

type namedCheck struct {
	name     string
	fn       CheckFunc
	detailed bool
}

// Checker performs health checks on the registered components
type Checker struct {
	logger  log.Logger
	version string

	maxResponseTime time.Duration

	checksMu sync.RWMutex
	checks   []namedCheck

	mu            sync.RWMutex
	lastCheck     time.Time
	cachedHealth  *HealthCheck
	cacheDuration time.Duration
}

// Config holds configuration for the health checker
type Config struct {
	// Version is reported in every response
	Version string

	// MaxResponseTime bounds each component check
	MaxResponseTime time.Duration

	// CacheDuration is how long to cache health check results
	CacheDuration time.Duration
}

// DefaultConfig returns the default health check configuration
func DefaultConfig() Config {
	return Config{
		MaxResponseTime: 5 * time.Second,
		CacheDuration:   5 * time.Second,
	}
}

// NewChecker creates a new health checker
func NewChecker(logger log.Logger, cfg Config) (*Checker, error) {
	if cfg.MaxResponseTime <= 0 {
		return nil, fmt.Errorf("max response time must be positive")
	}
	if cfg.CacheDuration < 0 {
		return nil, fmt.Errorf("cache duration must not be negative")
	}

	return &Checker{
		logger:          logger.With("module", "health"),
		version:         cfg.Version,
		maxResponseTime: cfg.MaxResponseTime,
		cacheDuration:   cfg.CacheDuration,
	}, nil
}

// Register adds a check that runs on every probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.register(namedCheck{name: name, fn: fn})
}

// RegisterDetailed adds a check that only runs for /health/detailed.
func (c *Checker) RegisterDetailed(name string, fn CheckFunc) {
	c.register(namedCheck{name: name, fn: fn, detailed: true})
}

func (c *Checker) register(nc namedCheck) {
	c.checksMu.Lock()
	defer c.checksMu.Unlock()
	for i, existing := range c.checks {
		if existing.name == nc.name {
			c.checks[i] = nc
			return
		}
	}
	c.checks = append(c.checks, nc)
}

// Components lists the registered check names.
func (c *Checker) Components() []string {
	c.checksMu.RLock()
	defer c.checksMu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for _, nc := range c.checks {
		names = append(names, nc.name)
	}
	sort.Strings(names)
	return names
}

// Check performs a comprehensive health check
func (c *Checker) Check(ctx context.Context, detailed bool) (*HealthCheck, error) {
	// Return cached result if still valid
	if !detailed && c.shouldUseCached() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.cachedHealth, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	health := &HealthCheck{
		Timestamp:  time.Now(),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}

	c.checksMu.RLock()
	checks := make([]namedCheck, 0, len(c.checks))
	for _, nc := range c.checks {
		if nc.detailed && !detailed {
			continue
		}
		checks = append(checks, nc)
	}
	c.checksMu.RUnlock()

	// Run checks in parallel for better performance
	var wg sync.WaitGroup
	var mu sync.Mutex
	start := time.Now()

	for _, check := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			result := c.run(ctx, name, fn)
			mu.Lock()
			health.Components[name] = result
			mu.Unlock()
		}(check.name, check.fn)
	}

	wg.Wait()

	health.Status = c.calculateOverallStatus(health.Components)
	health.Metrics["check_duration_ms"] = time.Since(start).Milliseconds()
	health.Metrics["component_count"] = len(health.Components)

	// Only the probe-level result is cached; detailed results carry extra components
	if !detailed {
		c.mu.Lock()
		c.lastCheck = time.Now()
		c.cachedHealth = health
		c.mu.Unlock()
	}

	return health, nil
}

// run executes one check under the response time bound. A check that panics
// or overruns is reported unhealthy.
func (c *Checker) run(ctx context.Context, name string, fn CheckFunc) (result ComponentHealth) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.maxResponseTime)
	defer cancel()

	done := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("health check panicked", "component", name, "panic", r)
				done <- ComponentHealth{
					Status:  StatusUnhealthy,
					Message: fmt.Sprintf("check panicked: %v", r),
				}
			}
		}()
		done <- fn(timeoutCtx)
	}()

	select {
	case result = <-done:
	case <-timeoutCtx.Done():
		result = ComponentHealth{
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("check did not finish within %s", c.maxResponseTime),
			Timestamp: time.Now(),
		}
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	if result.Status == "" {
		result.Status = StatusUnknown
	}
	return result
}

// calculateOverallStatus determines the overall health status based on component statuses
func (c *Checker) calculateOverallStatus(components map[string]ComponentHealth) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, component := range components {
		switch component.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded, StatusUnknown:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// shouldUseCached determines if cached health check results should be used
func (c *Checker) shouldUseCached() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cachedHealth == nil {
		return false
	}

	return time.Since(c.lastCheck) < c.cacheDuration
}

// RegisterRoutes registers health check endpoints with the router
func (c *Checker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", c.handleHealth).Methods("GET")
	router.HandleFunc("/health/ready", c.handleHealthReady).Methods("GET")
	router.HandleFunc("/health/detailed", c.handleHealthDetailed).Methods("GET")
}

// handleHealth handles the basic liveness check endpoint
func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, response)
}

// handleHealthReady handles the readiness check endpoint
func (c *Checker) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	c.respond(w, r, false)
}

// handleHealthDetailed handles the detailed health check endpoint
func (c *Checker) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	c.respond(w, r, true)
}

func (c *Checker) respond(w http.ResponseWriter, r *http.Request, detailed bool) {
	health, err := c.Check(r.Context(), detailed)
	if err != nil {
		c.logger.Error("Health check failed", "detailed", detailed, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	// Degraded is still ready: the fallback path keeps settling jobs
	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
