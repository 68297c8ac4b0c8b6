package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/alert"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/health"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/pipeline"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/storage"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/web"
)

// ModelServer fakes the inference service
type ModelServer struct {
	*httptest.Server

	mu    sync.Mutex
	boxes []ai.BoundingBox
	calls int
}

// SetBoxes changes what the next inference returns
func (m *ModelServer) SetBoxes(boxes ...ai.BoundingBox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes = boxes
}

// Calls returns how many inference requests were served
func (m *ModelServer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newModelServer(t *testing.T) *ModelServer {
	m := &ModelServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/model", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ai.ModelInfo{Name: "fire-smoke", Version: "test", Classes: []string{"fire", "smoke"}})
	})
	mux.HandleFunc("/api/v1/inference", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls++
		boxes := m.boxes
		m.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ai.InferenceResponse{BoundingBoxes: boxes, DetectionCount: len(boxes)})
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Server.Close)
	return m
}

// Messenger fakes the notification endpoint and keeps every message text
type Messenger struct {
	*httptest.Server

	mu    sync.Mutex
	texts []string
}

// Texts returns the delivered messages in arrival order
func (m *Messenger) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func newMessenger(t *testing.T) *Messenger {
	m := &Messenger{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Recipient string `json:"recipient"`
			Text      string `json:"text"`
		}
		if r.URL.Path != "/send" || json.NewDecoder(r.Body).Decode(&body) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.texts = append(m.texts, body.Text)
		m.mu.Unlock()
	}))
	t.Cleanup(m.Server.Close)
	return m
}

// TestEnvironment is a fully wired firewatch instance without live capture
type TestEnvironment struct {
	TempDir    string
	Config     *config.Config
	Model      *ModelServer
	Messenger  *Messenger
	DB         *state.Database
	Store      *events.Store
	Dispatcher *alert.Dispatcher
	Services   *service.Manager
	Server     *web.Server
	HTTP       *httptest.Server
	Logger     *logger.Logger
}

// SetupTestEnvironment loads a config file pointing at fake model and
// messaging servers, wires every component the way the binary does and
// starts the services.
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	tmpDir := t.TempDir()
	model := newModelServer(t)
	messenger := newMessenger(t)

	cfgPath := filepath.Join(tmpDir, "config.yaml")
	body := fmt.Sprintf(`log:
  level: debug
server:
  host: 127.0.0.1
model:
  url: %s
  timeout: 5s
storage:
  db_path: %s
  media_dir: %s
alert:
  endpoint: %s
  recipient: "+15550100"
  workers: 1
`, model.URL, filepath.Join(tmpDir, "data", "events.db"), filepath.Join(tmpDir, "media"), messenger.URL)
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid config: %v", err)
	}
	// let the kernel pick a free port
	cfg.Server.Port = 0

	log := logger.NewNopLogger()
	ctx := context.Background()

	db, err := state.NewDatabase(ctx, cfg.Storage.DBPath, state.Options{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	detector, err := ai.Load(ctx, ai.ModelConfig{
		Client:        ai.ClientConfig{ServiceURL: cfg.Model.URL, Timeout: cfg.Model.Timeout},
		MaxConcurrent: cfg.Model.MaxConcurrent,
	}, log)
	if err != nil {
		t.Fatalf("Failed to load model: %v", err)
	}

	results, err := storage.NewResultStore(storage.ResultStoreConfig{
		MediaDir:            cfg.Storage.MediaDir,
		MediaURL:            cfg.Storage.MediaURL,
		MaxDiskUsagePercent: 100.0001,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create result store: %v", err)
	}
	annotator, err := stream.NewAnnotator(cfg.Stream.JPEGQuality)
	if err != nil {
		t.Fatalf("Failed to create annotator: %v", err)
	}

	svcMgr := service.NewManager(log)
	store := events.NewStore(db, log)
	store.SetEventBus(svcMgr.GetEventBus())

	dispatcher := alert.NewDispatcher(alert.NewHTTPNotifier(alert.NotifierConfig{
		Endpoint:  cfg.Alert.Endpoint,
		Recipient: cfg.Alert.Recipient,
		Timeout:   cfg.Alert.Timeout,
	}, log), alert.DispatcherConfig{Workers: cfg.Alert.Workers, QueueSize: cfg.Alert.QueueSize}, log)
	svcMgr.Register(dispatcher)

	upload := pipeline.NewImageDetector(pipeline.ImageDetectorConfig{
		Detector:    detector,
		Policy:      cfg.Detection.Upload.Policy("upload"),
		Store:       store,
		Alerts:      dispatcher,
		Results:     results,
		Annotator:   annotator,
		JPEGQuality: cfg.Stream.JPEGQuality,
	}, log)

	healthMgr := health.NewManager(svcMgr, log)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(db))
	healthMgr.RegisterChecker(health.NewModelChecker(health.PingerFunc(detector.HealthCheck)))
	healthMgr.RegisterChecker(health.NewMediaChecker(results.Dir(), results.Disk()))

	server := web.NewServer(cfg.Server, web.Dependencies{
		Upload:   upload,
		Events:   store,
		Alerts:   dispatcher,
		Services: svcMgr,
		Health:   healthMgr,
		MediaDir: results.Dir(),
		MediaURL: cfg.Storage.MediaURL,
	}, log)
	svcMgr.Register(server)

	if err := svcMgr.Start(ctx); err != nil {
		t.Fatalf("Failed to start services: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svcMgr.Shutdown(ctx)
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &TestEnvironment{
		TempDir:    tmpDir,
		Config:     cfg,
		Model:      model,
		Messenger:  messenger,
		DB:         db,
		Store:      store,
		Dispatcher: dispatcher,
		Services:   svcMgr,
		Server:     server,
		HTTP:       ts,
		Logger:     log,
	}
}

// WaitForCondition polls condition until it holds or timeout passes
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, message)
}
