package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string
	Type string // database, provider
	CheckResult
}

// Checker performs health checks on the database and the registered
// provider adapters.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	db        *sql.DB
	providers *provider.Registry

	dbTimeout          time.Duration
	providerTimeout    time.Duration
	maxDatabaseLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	DB        *sql.DB
	Providers *provider.Registry

	DBTimeout          time.Duration
	ProviderTimeout    time.Duration
	MaxDatabaseLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}

	return &Checker{
		db:                 cfg.DB,
		providers:          cfg.Providers,
		dbTimeout:          cfg.DBTimeout,
		providerTimeout:    cfg.ProviderTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check performs all health checks and returns overall status. Checks run
// concurrently; a provider probe costs a tiny eco-tier generation.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, 16)

	if c.db != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkDatabase(ctx, "aggregator_db", c.db)
		}()
	}

	if c.providers != nil {
		for _, name := range c.providers.Names() {
			p, ok := c.providers.Get(name)
			if !ok {
				continue
			}
			wg.Add(1)
			go func(name string, p provider.Provider) {
				defer wg.Done()
				results <- c.checkProvider(ctx, name, p)
			}(name, p)
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0)
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

// checkDatabase checks database connectivity and performance.
func (c *Checker) checkDatabase(ctx context.Context, name string, db *sql.DB) Component {
	comp := Component{
		Name: name,
		Type: "database",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()

	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := db.PingContext(dbCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
		return comp
	}

	if comp.Latency > c.maxDatabaseLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}

	return comp
}

// checkProvider probes one provider adapter. A failed probe degrades the
// service rather than making it unhealthy because the fallback chain can
// still route around a single provider.
func (c *Checker) checkProvider(ctx context.Context, name string, p provider.Provider) Component {
	comp := Component{
		Name: name,
		Type: "provider",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	defer cancel()

	start := time.Now()
	ok := p.HealthCheck(probeCtx)
	comp.Latency = time.Since(start)

	if !ok {
		comp.Status = StatusDegraded
		comp.Message = "Probe failed"
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "Reachable"
	return comp
}

// calculateOverallStatus determines overall health based on component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			// Database failures are critical
			if comp.Type == "database" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}

	return c.calculateOverallStatus(c.components)
}
