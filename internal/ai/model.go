package ai

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/video"
)

// Model is the process-wide handle on the detection model. It is created
// once by Init, shared read-only by every pipeline and safe for concurrent
// use; MaxConcurrent bounds in-flight inference calls.
type Model struct {
	client *Client
	info   ModelInfo
	sem    chan struct{}
	logger *logger.Logger

	calls     atomic.Uint64
	failures  atomic.Uint64
	latencyNs atomic.Int64
}

// ModelConfig configures Init
type ModelConfig struct {
	Client        ClientConfig
	MaxConcurrent int
}

// ModelStats summarizes inference calls made through the model
type ModelStats struct {
	Calls         uint64  `json:"calls"`
	Failures      uint64  `json:"failures"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxConcurrent int     `json:"max_concurrent"`
}

var (
	defaultModel *Model
	modelMu      sync.Mutex
)

// Init loads the model once per process. A second call returns the existing
// model. Readiness failures wrap ErrModelLoad.
func Init(ctx context.Context, cfg ModelConfig, log *logger.Logger) (*Model, error) {
	modelMu.Lock()
	defer modelMu.Unlock()

	if defaultModel != nil {
		return defaultModel, nil
	}

	m, err := Load(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defaultModel = m
	return m, nil
}

// Default returns the model created by Init, or nil
func Default() *Model {
	modelMu.Lock()
	defer modelMu.Unlock()
	return defaultModel
}

// Close releases the process-wide model so Init can run again
func Close() {
	modelMu.Lock()
	defer modelMu.Unlock()
	if defaultModel != nil {
		defaultModel.client.httpClient.CloseIdleConnections()
		defaultModel = nil
	}
}

// Load builds a standalone model without registering it as the process-wide
// one
func Load(ctx context.Context, cfg ModelConfig, log *logger.Logger) (*Model, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	client := NewClient(cfg.Client, log)

	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	info, err := client.ModelInfo(ctx)
	if err != nil {
		log.Warn("Model info unavailable", "url", cfg.Client.ServiceURL, "error", err)
	} else {
		log.Info("Model loaded", "name", info.Name, "version", info.Version, "classes", info.Classes)
	}

	return &Model{
		client: client,
		info:   info,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: log,
	}, nil
}

// Info returns what the model server reported at load time
func (m *Model) Info() ModelInfo {
	return m.info
}

// Infer runs detection, waiting for a free slot when MaxConcurrent calls are
// already in flight
func (m *Model) Infer(ctx context.Context, frame *video.Frame, params Params) ([]Detection, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInference, ctx.Err())
	}
	defer func() { <-m.sem }()

	start := time.Now()
	dets, err := m.client.Infer(ctx, frame, params)
	m.calls.Add(1)
	m.latencyNs.Add(int64(time.Since(start)))
	if err != nil {
		m.failures.Add(1)
		return nil, err
	}
	return dets, nil
}

// HealthCheck pings the model server
func (m *Model) HealthCheck(ctx context.Context) error {
	return m.client.HealthCheck(ctx)
}

// Stats returns call counters
func (m *Model) Stats() ModelStats {
	s := ModelStats{
		Calls:         m.calls.Load(),
		Failures:      m.failures.Load(),
		MaxConcurrent: cap(m.sem),
	}
	if s.Calls > 0 {
		s.AvgLatencyMs = float64(m.latencyNs.Load()) / float64(s.Calls) / float64(time.Millisecond)
	}
	return s
}
