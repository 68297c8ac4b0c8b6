package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

// ErrShuttingDown is returned by Subscribe once the manager is stopping
var ErrShuttingDown = errors.New("session manager shutting down")

// OpenerFactory resolves a device name to an Opener
type OpenerFactory interface {
	Opener(device string) (video.Opener, error)
}

// SessionManagerConfig wires a SessionManager
type SessionManagerConfig struct {
	Openers          OpenerFactory
	Detector         ai.Detector
	Policy           detection.Policy
	Store            EventRecorder
	Alerts           AlertSink
	Annotator        *stream.Annotator
	SubscriberBuffer int
}

// SessionManager keeps at most one live session per device. Stream clients
// of the same device share its session, which stops when the last one
// leaves.
type SessionManager struct {
	*service.ServiceBase
	cfg      SessionManagerConfig
	deps     sessionDeps
	sessions map[string]*Session
	closed   bool
	mu       sync.Mutex
}

// NewSessionManager creates a session manager
func NewSessionManager(cfg SessionManagerConfig, log *logger.Logger) *SessionManager {
	return &SessionManager{
		ServiceBase: service.NewServiceBase("live-sessions", log),
		cfg:         cfg,
		deps: sessionDeps{
			detector:  cfg.Detector,
			policy:    cfg.Policy,
			sink:      &eventSink{store: cfg.Store, alerts: cfg.Alerts, logger: log},
			annotator: cfg.Annotator,
			buffer:    cfg.SubscriberBuffer,
		},
		sessions: make(map[string]*Session),
	}
}

// Start implements service.Service
func (m *SessionManager) Start(ctx context.Context) error {
	m.LogInfo("Session manager started")
	return nil
}

// Stop cancels every session and waits for their devices to be released
func (m *SessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for device, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, device)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	var errs error
	for _, s := range sessions {
		if err := s.Wait(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s on %s: %w", s.ID, s.Device, err))
		}
	}
	m.LogInfo("Session manager stopped", "sessions", len(sessions))
	return errs
}

// Subscribe attaches a stream client to the session of device, starting one
// if none is running. A session that is still stopping keeps the device until
// its loop exits; Subscribe waits for that, bounded by ctx. Device open
// failures wrap video.ErrDeviceUnavailable.
func (m *SessionManager) Subscribe(ctx context.Context, device string) (*Session, *stream.Subscriber, error) {
	opener, err := m.cfg.Openers.Opener(device)
	if err != nil {
		return nil, nil, err
	}
	key := opener.ID()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, nil, ErrShuttingDown
		}
		prev, ok := m.sessions[key]
		if !ok {
			break
		}
		if sub, err := prev.subscribe(); err == nil {
			m.mu.Unlock()
			m.LogDebug("Joined live session", "session_id", prev.ID, "device", key, "subscribers", prev.Subscribers())
			return prev, sub, nil
		}
		m.mu.Unlock()

		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %s: previous session still stopping: %w", video.ErrDeviceUnavailable, key, ctx.Err())
		}
		m.forget(prev)
	}
	defer m.mu.Unlock()

	src, err := opener.Open(ctx)
	if err != nil {
		return nil, nil, err
	}
	s := newSession(key, src, m.deps, m.Logger())
	sub, err := s.subscribe()
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	m.sessions[key] = s

	go s.run()
	go m.reap(s)

	m.PublishEvent(service.EventTypeSessionStarted, s.Info())
	return s, sub, nil
}

// Release detaches sub and stops the session when it was the last client.
// The session stays registered until its loop has released the device.
func (m *SessionManager) Release(s *Session, sub *stream.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.Close()
	if s.Subscribers() > 0 {
		return
	}
	s.Stop()
}

// Sessions returns a snapshot of every running session, ordered by device
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// reap forgets s once its loop exits
func (m *SessionManager) reap(s *Session) {
	<-s.Done()
	m.forget(s)
	m.PublishEvent(service.EventTypeSessionStopped, s.Info())
}

// forget removes s if it is still the registered session of its device
func (m *SessionManager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.Device]; ok && cur == s {
		delete(m.sessions, s.Device)
	}
}
