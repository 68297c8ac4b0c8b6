package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskMonitor_Usage(t *testing.T) {
	m := NewDiskMonitor(t.TempDir(), 100)

	usage, err := m.Usage()
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, int64(0))
	assert.GreaterOrEqual(t, usage.UsedBytes, int64(0))
	assert.GreaterOrEqual(t, usage.AvailableBytes, int64(0))
	assert.GreaterOrEqual(t, usage.UsagePercent, 0.0)
	assert.LessOrEqual(t, usage.UsagePercent, 100.0)

	again, err := m.Usage()
	require.NoError(t, err)
	assert.Equal(t, usage, again, "second call is served from cache")
}

func TestDiskMonitor_HasSpace(t *testing.T) {
	dir := t.TempDir()

	ok, err := NewDiskMonitor(dir, 100.0001).HasSpace()
	require.NoError(t, err)
	assert.True(t, ok)

	m := NewDiskMonitor(dir, 1e-9)
	usage, err := m.Usage()
	require.NoError(t, err)
	ok, err = m.HasSpace()
	require.NoError(t, err)
	assert.Equal(t, usage.UsagePercent < 1e-9, ok)
}

func TestDiskMonitor_MissingPath(t *testing.T) {
	_, err := NewDiskMonitor(filepath.Join(t.TempDir(), "missing"), 90).Usage()
	assert.Error(t, err)
}
