package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/alert"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func setupTestStore(t *testing.T) (*events.Store, *state.Database) {
	t.Helper()
	db, err := state.NewDatabase(context.Background(), filepath.Join(t.TempDir(), "events.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return events.NewStore(db, logger.NewNopLogger()), db
}

func testAnnotator(t *testing.T) *stream.Annotator {
	t.Helper()
	a, err := stream.NewAnnotator(80)
	require.NoError(t, err)
	return a
}

func det(label string, conf float64) ai.Detection {
	return ai.Detection{ClassLabel: label, Confidence: conf, Box: ai.Box{X1: 4, Y1: 4, X2: 40, Y2: 30}}
}

// fakeDetector returns dets for every frame, or err when set
type fakeDetector struct {
	mu     sync.Mutex
	dets   []ai.Detection
	errFn  func(seq uint64) error
	params []ai.Params
	calls  atomic.Int64
}

func (f *fakeDetector) Infer(ctx context.Context, frame *video.Frame, params ai.Params) ([]ai.Detection, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.params = append(f.params, params)
	errFn := f.errFn
	dets := f.dets
	f.mu.Unlock()

	if errFn != nil {
		if err := errFn(frame.Seq); err != nil {
			return nil, err
		}
	}
	return dets, nil
}

// recordingSink counts dispatched alerts
type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingSink) Dispatch(a alert.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return true
}

func (r *recordingSink) Alerts() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

// fakeSource emits the same JPEG every few milliseconds. With failAfter > 0
// it reports a lost device after that many frames.
type fakeSource struct {
	data      []byte
	failAfter uint64
	seq       atomic.Uint64
	closed    atomic.Int32
}

func (s *fakeSource) Next(ctx context.Context) (*video.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	n := s.seq.Add(1)
	if s.failAfter > 0 && n > s.failAfter {
		return nil, fmt.Errorf("%w: capture ended", video.ErrDeviceUnavailable)
	}
	return &video.Frame{Data: s.data, Timestamp: time.Now(), Width: 64, Height: 48, SourceID: "fake", Seq: n}, nil
}

func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *fakeSource) Closed() bool {
	return s.closed.Load() > 0
}

type fakeOpener struct {
	id      string
	src     *fakeSource
	openErr error
	opens   atomic.Int32
}

func (o *fakeOpener) ID() string { return o.id }

func (o *fakeOpener) Open(ctx context.Context) (video.Source, error) {
	o.opens.Add(1)
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.src, nil
}

// exclusiveOpener opens a new source per call and tracks how many are open
// at once. Closing takes closeDelay, like reaping ffmpeg.
type exclusiveOpener struct {
	data       []byte
	closeDelay time.Duration
	opens      atomic.Int32
	open       atomic.Int32
	maxOpen    atomic.Int32
}

func (o *exclusiveOpener) ID() string { return "/dev/video0" }

func (o *exclusiveOpener) Opener(string) (video.Opener, error) { return o, nil }

func (o *exclusiveOpener) Open(ctx context.Context) (video.Source, error) {
	o.opens.Add(1)
	n := o.open.Add(1)
	for {
		m := o.maxOpen.Load()
		if n <= m || o.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &slowCloseSource{fakeSource: &fakeSource{data: o.data}, opener: o}, nil
}

type slowCloseSource struct {
	*fakeSource
	opener *exclusiveOpener
	once   sync.Once
}

func (s *slowCloseSource) Close() error {
	s.once.Do(func() {
		time.Sleep(s.opener.closeDelay)
		s.opener.open.Add(-1)
	})
	return s.fakeSource.Close()
}

type fakeFactory map[string]*fakeOpener

func (f fakeFactory) Opener(device string) (video.Opener, error) {
	o, ok := f[device]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device %q", video.ErrDeviceUnavailable, device)
	}
	return o, nil
}

func readFrames(t *testing.T, sub *stream.Subscriber, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case f, ok := <-sub.Frames():
			require.True(t, ok, "stream ended after %d frames", i)
			require.NotEmpty(t, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("no frame after %d frames", i)
		}
	}
}

func waitClosed(t *testing.T, sub *stream.Subscriber) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber queue not closed")
		}
	}
}
