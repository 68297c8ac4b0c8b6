package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/video"
)

type liveFixture struct {
	detector *fakeDetector
	store    *events.Store
	alerts   *recordingSink
	opener   *fakeOpener
	manager  *SessionManager
}

func setupTestLive(t *testing.T, src *fakeSource) *liveFixture {
	t.Helper()
	store, _ := setupTestStore(t)
	f := &liveFixture{
		detector: &fakeDetector{},
		store:    store,
		alerts:   &recordingSink{},
		opener:   &fakeOpener{id: "/dev/video0", src: src},
	}
	f.manager = NewSessionManager(SessionManagerConfig{
		Openers:          fakeFactory{"/dev/video0": f.opener},
		Detector:         f.detector,
		Policy:           detection.LivePolicy(),
		Store:            store,
		Alerts:           f.alerts,
		Annotator:        testAnnotator(t),
		SubscriberBuffer: 2,
	}, logger.NewNopLogger())
	require.NoError(t, f.manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.manager.Stop(ctx)
	})
	return f
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSession_LiveThresholds(t *testing.T) {
	f := setupTestLive(t, &fakeSource{data: testJPEG(t)})
	f.detector.dets = []ai.Detection{det("fire", 0.3), det("smoke", 0.5)}

	s, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	readFrames(t, sub, 3)
	f.manager.Release(s, sub)
	waitDone(t, s)

	assert.Equal(t, StateCancelled, s.State())
	assert.NoError(t, s.Err())

	list, err := f.store.List(context.Background(), events.Filter{}, events.MaxLimit)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	require.Zero(t, len(list)%2, "both entries of a frame are logged together")

	alerts := 0
	for _, ev := range list {
		switch ev.Type {
		case detection.Fire:
			assert.False(t, ev.AlertSent, "0.3 is below the live alert threshold")
		case detection.Smoke:
			assert.True(t, ev.AlertSent)
			alerts++
		}
		assert.Empty(t, ev.SourceReference)
	}
	assert.Len(t, f.alerts.Alerts(), alerts)

	for _, p := range f.detector.params {
		assert.Equal(t, detection.LivePolicy().Inference, p)
	}
}

func TestSession_EventsFollowCaptureOrder(t *testing.T) {
	f := setupTestLive(t, &fakeSource{data: testJPEG(t)})
	f.detector.dets = []ai.Detection{det("fire", 0.9)}

	s, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	readFrames(t, sub, 5)
	f.manager.Release(s, sub)
	waitDone(t, s)

	list, err := f.store.List(context.Background(), events.Filter{}, events.MaxLimit)
	require.NoError(t, err)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].OccurredAt.After(list[i-1].OccurredAt))
	}
	assert.Equal(t, uint64(len(list)), s.Info().Events)
}

func TestSession_SubscribersShareOneDevice(t *testing.T) {
	f := setupTestLive(t, &fakeSource{data: testJPEG(t)})

	s1, sub1, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	s2, sub2, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), f.opener.opens.Load())
	assert.Equal(t, 2, s1.Subscribers())

	readFrames(t, sub1, 2)
	readFrames(t, sub2, 2)
	f.manager.Release(s1, sub1)
	f.manager.Release(s2, sub2)
	waitDone(t, s1)
}

func TestSession_SubscriberDisconnectMidSession(t *testing.T) {
	src := &fakeSource{data: testJPEG(t)}
	f := setupTestLive(t, src)

	s, leaving, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	_, staying, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	readFrames(t, leaving, 2)

	f.manager.Release(s, leaving)
	waitClosed(t, leaving)

	assert.False(t, src.Closed(), "device stays open for the remaining subscriber")
	assert.Equal(t, 1, s.Subscribers())
	readFrames(t, staying, 5)
	assert.False(t, s.State().Terminal())

	f.manager.Release(s, staying)
	waitDone(t, s)
	assert.True(t, src.Closed())
	waitClosed(t, staying)
	require.Eventually(t, func() bool { return len(f.manager.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_NewSessionAfterLastLeaves(t *testing.T) {
	f := setupTestLive(t, &fakeSource{data: testJPEG(t)})

	s1, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	f.manager.Release(s1, sub)
	waitDone(t, s1)

	s2, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	defer f.manager.Release(s2, sub)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, int32(2), f.opener.opens.Load())
}

func TestSession_ResubscribeWaitsForDeviceRelease(t *testing.T) {
	f := setupTestLive(t, nil)
	opener := &exclusiveOpener{data: testJPEG(t), closeDelay: 20 * time.Millisecond}
	f.manager.cfg.Openers = opener

	s1, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	readFrames(t, sub, 2)
	f.manager.Release(s1, sub)

	// no wait: a page reload reconnects while the old capture is still closing
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s2, sub, err := f.manager.Subscribe(ctx, "/dev/video0")
	require.NoError(t, err)
	defer f.manager.Release(s2, sub)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.True(t, s1.State().Terminal())
	readFrames(t, sub, 2)
	assert.EqualValues(t, 1, opener.maxOpen.Load(), "the device is never held by two sessions")
	assert.EqualValues(t, 2, opener.opens.Load())
}

func TestSession_ResubscribeGivesUpWithContext(t *testing.T) {
	f := setupTestLive(t, nil)
	opener := &exclusiveOpener{data: testJPEG(t), closeDelay: 500 * time.Millisecond}
	f.manager.cfg.Openers = opener

	s1, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	f.manager.Release(s1, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = f.manager.Subscribe(ctx, "/dev/video0")
	require.ErrorIs(t, err, video.ErrDeviceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, opener.opens.Load())

	waitDone(t, s1)
}

func TestSession_DeviceOpenFailure(t *testing.T) {
	f := setupTestLive(t, nil)
	f.opener.openErr = fmt.Errorf("%w: no such device", video.ErrDeviceUnavailable)

	_, _, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	assert.ErrorIs(t, err, video.ErrDeviceUnavailable)
	assert.Empty(t, f.manager.Sessions())

	_, _, err = f.manager.Subscribe(context.Background(), "/dev/video9")
	assert.ErrorIs(t, err, video.ErrDeviceUnavailable)
}

func TestSession_DeviceLostMidStream(t *testing.T) {
	src := &fakeSource{data: testJPEG(t), failAfter: 3}
	f := setupTestLive(t, src)
	bus := service.NewEventBus(10)
	defer bus.Close()
	f.manager.SetEventBus(bus)
	stopped := bus.Subscribe(service.EventTypeSessionStopped)

	s, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)

	waitClosed(t, sub)
	waitDone(t, s)
	assert.Equal(t, StateDeviceError, s.State())
	assert.ErrorIs(t, s.Err(), video.ErrDeviceUnavailable)
	assert.True(t, src.Closed())

	select {
	case ev := <-stopped:
		assert.Equal(t, "device_error", ev.Data.(SessionInfo).State)
	case <-time.After(2 * time.Second):
		t.Fatal("no session stopped event")
	}
	assert.Empty(t, f.manager.Sessions())
}

func TestSession_InferenceFailureSkipsFrame(t *testing.T) {
	f := setupTestLive(t, &fakeSource{data: testJPEG(t)})
	f.detector.dets = []ai.Detection{det("fire", 0.9)}
	f.detector.errFn = func(seq uint64) error {
		if seq%2 == 1 {
			return fmt.Errorf("%w: model busy", ai.ErrInference)
		}
		return nil
	}

	s, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	readFrames(t, sub, 3)
	f.manager.Release(s, sub)
	waitDone(t, s)

	info := s.Info()
	assert.Greater(t, info.Skipped, uint64(0))
	assert.Equal(t, StateCancelled.String(), info.State)
	assert.Greater(t, info.Frames, info.Skipped)
}

func TestSession_StorageFailureTerminates(t *testing.T) {
	src := &fakeSource{data: testJPEG(t)}
	f := setupTestLive(t, src)
	store, db := setupTestStore(t)
	f.manager.deps.sink.store = store
	require.NoError(t, db.Close())
	f.detector.dets = []ai.Detection{det("smoke", 0.9)}

	s, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	waitClosed(t, sub)
	waitDone(t, s)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), events.ErrStorageWrite)
	assert.True(t, src.Closed())
	assert.Empty(t, f.alerts.Alerts())
}

func TestSessionManager_StopReleasesDevices(t *testing.T) {
	src := &fakeSource{data: testJPEG(t)}
	f := setupTestLive(t, src)

	s, sub, err := f.manager.Subscribe(context.Background(), "/dev/video0")
	require.NoError(t, err)
	readFrames(t, sub, 1)
	assert.Len(t, f.manager.Sessions(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Stop(ctx))

	assert.Equal(t, StateCancelled, s.State())
	assert.True(t, src.Closed())
	waitClosed(t, sub)

	_, _, err = f.manager.Subscribe(context.Background(), "/dev/video0")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "encoding", StateEncoding.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.False(t, StateEncoding.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateDeviceError.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestDeviceFactory(t *testing.T) {
	ff := video.NewFFmpegWrapperAt("/usr/bin/ffmpeg")
	f := NewDeviceFactory(ff, video.CaptureOptions{Input: "rtsp://cam/stream"}, logger.NewNopLogger())

	o, err := f.Opener("")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://cam/stream", o.ID())

	o, err = f.Opener("/dev/video2")
	require.NoError(t, err)
	assert.Equal(t, "/dev/video2", o.ID())

	for _, bad := range []string{"/etc/passwd", "rtsp://elsewhere/x", "/dev/video0; rm -rf /", "file:///tmp/a.mp4"} {
		_, err := f.Opener(bad)
		assert.ErrorIs(t, err, video.ErrDeviceUnavailable, bad)
	}
}
