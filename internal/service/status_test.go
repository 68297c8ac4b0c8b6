package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceStatus_Transitions(t *testing.T) {
	status := NewServiceStatus("events")
	assert.Equal(t, StatusStopped, status.GetStatus())
	assert.False(t, status.IsRunning())

	status.SetError(errors.New("disk full"))
	assert.Equal(t, StatusError, status.GetStatus())
	assert.EqualError(t, status.GetError(), "disk full")

	status.SetStatus(StatusRunning)
	assert.True(t, status.IsRunning())
	assert.NoError(t, status.GetError(), "running clears the error")
	assert.False(t, status.StartedAt.IsZero())
}

func TestServiceStatus_Uptime(t *testing.T) {
	status := NewServiceStatus("web")
	assert.Zero(t, status.GetUptime())

	status.SetStatus(StatusRunning)
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, status.GetUptime(), 20*time.Millisecond)

	status.SetStatus(StatusStopped)
	assert.Zero(t, status.GetUptime())
}

func TestServiceStatus_Snapshot(t *testing.T) {
	status := NewServiceStatus("alerts")
	status.SetError(errors.New("bad endpoint"))

	snap := status.Snapshot()
	assert.Equal(t, "alerts", snap.Name)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "bad endpoint", snap.Error)
	assert.Empty(t, snap.Uptime)
}

func TestServiceStatus_ConcurrentAccess(t *testing.T) {
	status := NewServiceStatus("web")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				status.SetStatus(StatusRunning)
				status.IsRunning()
				status.GetUptime()
				status.Snapshot()
				status.SetStatus(StatusStopped)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StatusStopped, status.GetStatus())
}
