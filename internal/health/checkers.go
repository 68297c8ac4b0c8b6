package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/vzahanych/firewatch/internal/storage"
)

// Pinger is anything with a health ping, such as the event database or
// the inference model
type Pinger interface {
	Health(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger
type PingerFunc func(ctx context.Context) error

// Health calls f
func (f PingerFunc) Health(ctx context.Context) error {
	return f(ctx)
}

// SystemChecker reports runtime statistics. It is always healthy.
type SystemChecker struct{}

// NewSystemChecker creates a new system checker
func NewSystemChecker() *SystemChecker {
	return &SystemChecker{}
}

// Name returns the checker name
func (s *SystemChecker) Name() string {
	return "system"
}

// Check performs the system health check
func (s *SystemChecker) Check(ctx context.Context) Check {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Check{
		Name:      s.Name(),
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": m.Alloc,
			"memory_sys":   m.Sys,
			"gc_cycles":    m.NumGC,
			"go_version":   runtime.Version(),
			"num_cpu":      runtime.NumCPU(),
		},
	}
}

// DatabaseChecker pings the event database. A failure is unhealthy since
// nothing can be logged.
type DatabaseChecker struct {
	db Pinger
}

// NewDatabaseChecker creates a new database checker
func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

// Name returns the checker name
func (d *DatabaseChecker) Name() string {
	return "database"
}

// Check performs the database health check
func (d *DatabaseChecker) Check(ctx context.Context) Check {
	return pingCheck(ctx, d.Name(), d.db, StatusUnhealthy, "Database is reachable")
}

// ModelChecker pings the inference service. A failure is degraded: the
// process stays up and detections resume once the model answers.
type ModelChecker struct {
	model Pinger
}

// NewModelChecker creates a new model checker
func NewModelChecker(model Pinger) *ModelChecker {
	return &ModelChecker{model: model}
}

// Name returns the checker name
func (m *ModelChecker) Name() string {
	return "model"
}

// Check performs the model health check
func (m *ModelChecker) Check(ctx context.Context) Check {
	return pingCheck(ctx, m.Name(), m.model, StatusDegraded, "Model is responding")
}

// MediaChecker verifies the media directory is writable and has space left
type MediaChecker struct {
	dir  string
	disk *storage.DiskMonitor
}

// NewMediaChecker creates a new media checker
func NewMediaChecker(dir string, disk *storage.DiskMonitor) *MediaChecker {
	return &MediaChecker{dir: dir, disk: disk}
}

// Name returns the checker name
func (m *MediaChecker) Name() string {
	return "media"
}

// Check performs the media health check
func (m *MediaChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      m.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"path": m.dir},
	}

	markerFile := filepath.Join(m.dir, ".health_check")
	if err := os.WriteFile(markerFile, []byte("ok"), 0o644); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Media directory not writable: %v", err)
		return check
	}
	_ = os.Remove(markerFile)

	if m.disk != nil {
		usage, err := m.disk.Usage()
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Disk usage unavailable: %v", err)
			return check
		}
		check.Details["disk_usage_percent"] = usage.UsagePercent
		check.Details["available_bytes"] = usage.AvailableBytes

		ok, _ := m.disk.HasSpace()
		if !ok {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Disk usage high: %.1f%%", usage.UsagePercent)
			return check
		}
	}

	check.Status = StatusHealthy
	check.Message = "Media directory is writable"
	return check
}

func pingCheck(ctx context.Context, name string, p Pinger, onFail Status, okMsg string) Check {
	start := time.Now()
	err := p.Health(ctx)
	check := Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"latency_ms": time.Since(start).Milliseconds()},
	}
	if err != nil {
		check.Status = onFail
		check.Message = err.Error()
		return check
	}
	check.Status = StatusHealthy
	check.Message = okMsg
	return check
}
