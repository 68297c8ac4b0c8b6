package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/alert"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/pipeline"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

type fakeUpload struct {
	mu    sync.Mutex
	res   *pipeline.UploadResult
	err   error
	names []string
	sizes []int
}

func (f *fakeUpload) Detect(ctx context.Context, name string, data []byte) (*pipeline.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	f.sizes = append(f.sizes, len(data))
	return f.res, f.err
}

// fakeLive hands out subscribers of one broadcaster
type fakeLive struct {
	bcast      *stream.Broadcaster
	err        error
	sessions   []pipeline.SessionInfo
	subscribed chan string
	released   atomic.Int32
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		bcast:      stream.NewBroadcaster(4, logger.NewNopLogger()),
		subscribed: make(chan string, 4),
	}
}

func (f *fakeLive) Subscribe(ctx context.Context, device string) (*pipeline.Session, *stream.Subscriber, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	sub, err := f.bcast.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	f.subscribed <- device
	return nil, sub, nil
}

func (f *fakeLive) Release(_ *pipeline.Session, sub *stream.Subscriber) {
	sub.Close()
	f.released.Add(1)
}

func (f *fakeLive) Sessions() []pipeline.SessionInfo {
	return f.sessions
}

type fakeAlerts alert.Stats

func (f fakeAlerts) Stats() alert.Stats { return alert.Stats(f) }

type fakeDevices struct {
	devs []video.Device
	err  error
}

func (f fakeDevices) Devices() ([]video.Device, error) { return f.devs, f.err }

func setupTestStore(t *testing.T) *events.Store {
	t.Helper()
	db, err := state.NewDatabase(context.Background(), filepath.Join(t.TempDir(), "events.db"), state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return events.NewStore(db, logger.NewNopLogger())
}

func record(t *testing.T, s *events.Store, typ detection.Type, pct float64, alertSent bool) events.Event {
	t.Helper()
	ev, err := s.Record(context.Background(), events.NewEvent{Type: typ, Confidence: pct, AlertSent: alertSent})
	require.NoError(t, err)
	return ev
}

func setupTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, deps, logger.NewNopLogger())
}

func doJSON(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func uploadRequest(t *testing.T, field, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/detect", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
