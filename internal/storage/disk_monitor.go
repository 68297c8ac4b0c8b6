package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DiskUsage describes the filesystem holding the media directory
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// DiskMonitor reports usage of the filesystem under path, cached briefly
type DiskMonitor struct {
	path            string
	maxUsagePercent float64
	cacheDuration   time.Duration
	lastCheck       time.Time
	cached          *DiskUsage
	mu              sync.Mutex
}

// NewDiskMonitor creates a monitor that considers the disk full at
// maxUsagePercent
func NewDiskMonitor(path string, maxUsagePercent float64) *DiskMonitor {
	if maxUsagePercent <= 0 {
		maxUsagePercent = 95
	}
	return &DiskMonitor{
		path:            path,
		maxUsagePercent: maxUsagePercent,
		cacheDuration:   10 * time.Second,
	}
}

// Usage returns the current disk usage
func (d *DiskMonitor) Usage() (DiskUsage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && time.Since(d.lastCheck) < d.cacheDuration {
		return *d.cached, nil
	}

	usage, err := statfs(d.path)
	if err != nil {
		return DiskUsage{}, err
	}
	d.cached = &usage
	d.lastCheck = time.Now()
	return usage, nil
}

// HasSpace reports whether usage is below the configured maximum
func (d *DiskMonitor) HasSpace() (bool, error) {
	usage, err := d.Usage()
	if err != nil {
		return false, err
	}
	return usage.UsagePercent < d.maxUsagePercent, nil
}

func statfs(path string) (DiskUsage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(abs, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := int64(st.Blocks) * int64(st.Bsize)
	avail := int64(st.Bavail) * int64(st.Bsize)
	usage := DiskUsage{
		TotalBytes:     total,
		UsedBytes:      total - avail,
		AvailableBytes: avail,
	}
	if total > 0 {
		usage.UsagePercent = float64(usage.UsedBytes) / float64(total) * 100
	}
	return usage, nil
}
