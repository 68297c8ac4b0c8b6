package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/logger"
)

type mockService struct {
	name      string
	startErr  error
	stopErr   error
	stopDelay time.Duration
	trace     *[]string
	mu        *sync.Mutex
	bus       *EventBus
}

func newMock(name string, trace *[]string, mu *sync.Mutex) *mockService {
	return &mockService{name: name, trace: trace, mu: mu}
}

func (m *mockService) record(s string) {
	if m.trace == nil {
		return
	}
	m.mu.Lock()
	*m.trace = append(*m.trace, s)
	m.mu.Unlock()
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) SetEventBus(bus *EventBus) { m.bus = bus }

func (m *mockService) Start(ctx context.Context) error {
	m.record("start:" + m.name)
	return m.startErr
}

func (m *mockService) Stop(ctx context.Context) error {
	m.record("stop:" + m.name)
	if m.stopDelay > 0 {
		select {
		case <-time.After(m.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.stopErr
}

func TestManager_RegisterSetsEventBus(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	svc := &mockService{name: "store"}
	mgr.Register(svc)

	assert.Equal(t, 1, mgr.GetServiceCount())
	assert.Same(t, mgr.GetEventBus(), svc.bus)
	assert.Equal(t, StatusStopped, mgr.GetServiceStatus("store").GetStatus())
}

func TestManager_StartAndShutdownOrder(t *testing.T) {
	var trace []string
	var mu sync.Mutex
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(newMock("store", &trace, &mu))
	mgr.Register(newMock("dispatcher", &trace, &mu))
	mgr.Register(newMock("web", &trace, &mu))

	require.NoError(t, mgr.Start(context.Background()))
	for _, name := range []string{"store", "dispatcher", "web"} {
		assert.True(t, mgr.GetServiceStatus(name).IsRunning(), name)
	}

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Equal(t, []string{
		"start:store", "start:dispatcher", "start:web",
		"stop:web", "stop:dispatcher", "stop:store",
	}, trace)
	assert.Equal(t, StatusStopped, mgr.GetServiceStatus("web").GetStatus())
}

func TestManager_StartFailureStopsSequence(t *testing.T) {
	var trace []string
	var mu sync.Mutex
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(newMock("store", &trace, &mu))
	failing := newMock("model", &trace, &mu)
	failing.startErr = errors.New("model server unreachable")
	mgr.Register(failing)
	mgr.Register(newMock("web", &trace, &mu))

	err := mgr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start model")
	assert.Equal(t, StatusError, mgr.GetServiceStatus("model").GetStatus())
	assert.Equal(t, StatusStopped, mgr.GetServiceStatus("web").GetStatus())

	// only the service that actually started is stopped
	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Equal(t, []string{"start:store", "start:model", "stop:store"}, trace)
}

func TestManager_ShutdownCombinesErrors(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	a := &mockService{name: "a", stopErr: errors.New("a failed")}
	b := &mockService{name: "b", stopErr: errors.New("b failed")}
	mgr.Register(a)
	mgr.Register(b)
	require.NoError(t, mgr.Start(context.Background()))

	err := mgr.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
}

func TestManager_StopTimeout(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.stopTimeout = 50 * time.Millisecond
	mgr.Register(&mockService{name: "slow", stopDelay: time.Second})
	require.NoError(t, mgr.Start(context.Background()))

	start := time.Now()
	err := mgr.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestManager_PublishesLifecycleEvents(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	ch := mgr.GetEventBus().SubscribeAll()
	mgr.Register(&mockService{name: "store"})

	require.NoError(t, mgr.Start(context.Background()))
	ev := <-ch
	assert.Equal(t, EventTypeServiceStarted, ev.Type)

	require.NoError(t, mgr.Shutdown(context.Background()))
	ev = <-ch
	assert.Equal(t, EventTypeServiceStopped, ev.Type)

	_, ok := <-ch
	assert.False(t, ok, "bus is closed after shutdown")
}

func TestManager_Snapshots(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(&mockService{name: "a"})
	mgr.Register(&mockService{name: "b"})
	require.NoError(t, mgr.Start(context.Background()))

	snaps := mgr.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, StatusRunning, snaps[1].Status)
}
