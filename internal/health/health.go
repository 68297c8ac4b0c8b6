package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Report represents the overall health report
type Report struct {
	Status    Status             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Uptime    string             `json:"uptime"`
	Checks    []Check            `json:"checks"`
	Services  []service.Snapshot `json:"services,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Services reports the lifecycle state of registered services
type Services interface {
	Snapshots() []service.Snapshot
}

// DefaultCheckTimeout bounds a single checker run
const DefaultCheckTimeout = 5 * time.Second

// Manager runs the registered checkers and serves the results
type Manager struct {
	logger    *logger.Logger
	services  Services
	checkers  []Checker
	timeout   time.Duration
	startTime time.Time
	mu        sync.RWMutex
}

// NewManager creates a health manager; services may be nil
func NewManager(services Services, log *logger.Logger) *Manager {
	return &Manager{
		logger:    log.Named("health"),
		services:  services,
		timeout:   DefaultCheckTimeout,
		startTime: time.Now(),
	}
}

// RegisterChecker adds a checker
func (m *Manager) RegisterChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check runs all checkers concurrently and aggregates their status
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = c.Check(ctx)
			if results[i].Timestamp.IsZero() {
				results[i].Timestamp = time.Now()
			}
		}(i, c)
	}
	wg.Wait()

	report := Report{
		Status:    aggregate(results),
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Truncate(time.Second).String(),
		Checks:    results,
	}
	if m.services != nil {
		report.Services = m.services.Snapshots()
		failed := lo.ContainsBy(report.Services, func(s service.Snapshot) bool {
			return s.Status == service.StatusError
		})
		if failed && report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	if report.Status != StatusHealthy {
		m.logger.Warn("Health check not healthy", "status", report.Status)
	}
	return report
}

// RegisterRoutes mounts the health endpoints
func (m *Manager) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", m.handleHealth)
	r.GET("/health/live", m.handleLiveness)
	r.GET("/health/ready", m.handleReadiness)
	r.GET("/health/services", m.handleServices)
}

func (m *Manager) handleHealth(c *gin.Context) {
	report := m.Check(c.Request.Context())
	c.JSON(statusCode(report.Status), report)
}

func (m *Manager) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (m *Manager) handleReadiness(c *gin.Context) {
	report := m.Check(c.Request.Context())
	if report.Status == StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": report.Timestamp})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": report.Timestamp})
}

func (m *Manager) handleServices(c *gin.Context) {
	if m.services == nil {
		c.JSON(http.StatusOK, gin.H{"services": []service.Snapshot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": m.services.Snapshots()})
}

func aggregate(checks []Check) Status {
	status := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
