package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

var errSessionStopping = errors.New("session stopping")

// State is the position of a live session in its frame loop
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateInferring
	StateClassifying
	StateEncoding
	// terminal states
	StateCancelled
	StateDeviceError
	StateFailed // event log write failed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateInferring:
		return "inferring"
	case StateClassifying:
		return "classifying"
	case StateEncoding:
		return "encoding"
	case StateCancelled:
		return "cancelled"
	case StateDeviceError:
		return "device_error"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions happen after s
func (s State) Terminal() bool {
	return s >= StateCancelled
}

// Session is one live detection loop over one device. Frames are processed
// and logged in capture order.
type Session struct {
	ID        string
	Device    string
	StartedAt time.Time

	src       video.Source
	detector  ai.Detector
	policy    detection.Policy
	sink      *eventSink
	annotator *stream.Annotator
	bcast     *stream.Broadcaster
	logger    *logger.Logger

	state   atomic.Int32
	frames  atomic.Uint64
	skipped atomic.Uint64
	events  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	errMu  sync.Mutex
	err    error
}

// SessionInfo is a snapshot of a session for status reporting
type SessionInfo struct {
	ID          string                   `json:"id"`
	Device      string                   `json:"device"`
	State       string                   `json:"state"`
	StartedAt   time.Time                `json:"started_at"`
	Frames      uint64                   `json:"frames"`
	Skipped     uint64                   `json:"skipped_frames"`
	Events      uint64                   `json:"events"`
	Subscribers []stream.SubscriberStats `json:"subscribers"`
	Error       string                   `json:"error,omitempty"`
}

type sessionDeps struct {
	detector  ai.Detector
	policy    detection.Policy
	sink      *eventSink
	annotator *stream.Annotator
	buffer    int
}

func newSession(device string, src video.Source, deps sessionDeps, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Session{
		ID:        id,
		Device:    device,
		StartedAt: time.Now(),
		src:       src,
		detector:  deps.detector,
		policy:    deps.policy,
		sink:      deps.sink,
		annotator: deps.annotator,
		bcast:     stream.NewBroadcaster(deps.buffer, log),
		logger:    log.With("session_id", id, "device", device),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// State returns the current state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the loop has exited and the device is released
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, nil while running or when cancelled
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop cancels the loop without waiting
func (s *Session) Stop() {
	s.cancel()
}

// Wait blocks until the loop has exited or ctx ends
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers returns the number of attached stream clients
func (s *Session) Subscribers() int {
	return s.bcast.Len()
}

// Info returns a status snapshot
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:          s.ID,
		Device:      s.Device,
		State:       s.State().String(),
		StartedAt:   s.StartedAt,
		Frames:      s.frames.Load(),
		Skipped:     s.skipped.Load(),
		Events:      s.events.Load(),
		Subscribers: s.bcast.Stats(),
	}
	if err := s.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// subscribe refuses new clients once the session is stopping
func (s *Session) subscribe() (*stream.Subscriber, error) {
	if s.ctx.Err() != nil {
		return nil, errSessionStopping
	}
	return s.bcast.Subscribe()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// run drives the loop. It owns src and releases it on every exit path.
func (s *Session) run() {
	defer close(s.done)
	defer s.bcast.Close()
	defer func() {
		if err := s.src.Close(); err != nil {
			s.logger.Warn("Failed to release device", "error", err)
		}
	}()

	s.logger.Info("Live session started")
	for {
		if s.ctx.Err() != nil {
			s.finish(StateCancelled, nil)
			return
		}

		s.setState(StateCapturing)
		frame, err := s.src.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(StateCancelled, nil)
			} else {
				s.finish(StateDeviceError, err)
			}
			return
		}
		s.frames.Add(1)

		if s.ctx.Err() != nil {
			s.finish(StateCancelled, nil)
			return
		}
		s.setState(StateInferring)
		dets, err := s.detector.Infer(s.ctx, frame, s.policy.Inference)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(StateCancelled, nil)
				return
			}
			s.skipped.Add(1)
			s.logger.Warn("Inference failed, skipping frame", "seq", frame.Seq, "error", err)
			continue
		}

		s.setState(StateClassifying)
		cls, unknown := detection.Classify(dets, s.policy)
		// logging must not be cut short by cancellation; live events have no
		// source reference
		recorded, err := s.sink.handle(context.WithoutCancel(s.ctx), cls, unknown, "", s.ID)
		s.events.Add(uint64(len(recorded)))
		if err != nil {
			s.finish(StateFailed, err)
			return
		}

		if s.ctx.Err() != nil {
			s.finish(StateCancelled, nil)
			return
		}
		s.setState(StateEncoding)
		out, err := s.annotator.Annotate(frame.Data, dets)
		if err != nil {
			s.logger.Warn("Failed to annotate frame, streaming it as captured", "seq", frame.Seq, "error", err)
			out = frame.Data
		}
		s.bcast.Publish(out)
	}
}

func (s *Session) finish(st State, err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.setState(st)

	switch {
	case err == nil:
		s.logger.Info("Live session stopped", "frames", s.frames.Load(), "events", s.events.Load())
	case errors.Is(err, video.ErrDeviceUnavailable):
		s.logger.Error("Live session lost its device", "error", err, "frames", s.frames.Load())
	default:
		s.logger.Error("Live session failed", "error", err, "state", st.String())
	}
}
