package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/video"
)

// Client is an HTTP client for the model server. It holds no per-call state
// and is safe for concurrent use.
type Client struct {
	serviceURL string
	httpClient *http.Client
	logger     *logger.Logger
}

// ClientConfig contains configuration for the model client
type ClientConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

// NewClient creates a new model server client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		serviceURL: strings.TrimRight(config.ServiceURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     log,
	}
}

// Infer runs detection on a single frame. Every error wraps ErrInference.
func (c *Client) Infer(ctx context.Context, frame *video.Frame, params Params) ([]Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInference)
	}

	req := InferenceRequest{
		Image:               base64.StdEncoding.EncodeToString(frame.Data),
		ConfidenceThreshold: params.Confidence,
		IoUThreshold:        params.IoU,
		ImageSize:           params.ImageSize,
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrInference, err)
	}

	url := c.serviceURL + "/api/v1/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInference, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", ErrInference, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrInference, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Model server returned error", "status", resp.StatusCode, "response", string(body))
		return nil, fmt.Errorf("%w: model server returned status %d: %s", ErrInference, resp.StatusCode, string(body))
	}

	var inferenceResp InferenceResponse
	if err := json.Unmarshal(body, &inferenceResp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrInference, err)
	}

	c.logger.Debug("Inference completed",
		"source", frame.SourceID,
		"seq", frame.Seq,
		"detection_count", len(inferenceResp.BoundingBoxes),
		"inference_time_ms", inferenceResp.InferenceTimeMs,
		"request_duration_ms", time.Since(start).Milliseconds(),
	)
	return inferenceResp.Detections(), nil
}

// HealthCheck checks that the model server is ready to serve
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.get(ctx, "/health/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// ModelInfo fetches the name, version and class list of the loaded model
func (c *Client) ModelInfo(ctx context.Context) (ModelInfo, error) {
	var info ModelInfo
	resp, err := c.get(ctx, "/api/v1/model")
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("failed to parse model info: %w", err)
	}
	return info, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}
