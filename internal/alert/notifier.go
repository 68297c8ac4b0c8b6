// Package alert delivers best-effort notifications for alert-worthy detections.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/logger"
)

// ErrNotification marks a notification that was not delivered. It is carried
// in a Result and logged, never returned up the detection pipeline.
var ErrNotification = errors.New("notification failure")

// DefaultTimeout bounds a single notification call
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one notification attempt
type Result struct {
	Attempted bool // a request was sent
	Delivered bool // the endpoint answered 200
	Err       error
}

// Notifier sends one message for an alert-worthy detection
type Notifier interface {
	Notify(ctx context.Context, t detection.Type, confidencePct float64) Result
}

// FormatMessage renders the notification text
func FormatMessage(t detection.Type, confidencePct float64) string {
	return fmt.Sprintf("🚨 FIRE ALERT 🚨\n\nType: %s\nConfidence: %.1f%%", strings.ToUpper(string(t)), confidencePct)
}

// NotifierConfig configures the messaging endpoint
type NotifierConfig struct {
	Endpoint  string
	Recipient string
	Timeout   time.Duration
}

// HTTPNotifier posts {recipient, text} to {endpoint}/send
type HTTPNotifier struct {
	endpoint   string
	recipient  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logger.Logger
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// NewHTTPNotifier creates a notifier. Missing endpoint or recipient is not an
// error here; every Notify then reports missing credentials.
func NewHTTPNotifier(cfg NotifierConfig, log *logger.Logger) *HTTPNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPNotifier{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		recipient:  cfg.Recipient,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

// Configured reports whether both endpoint and recipient are set
func (n *HTTPNotifier) Configured() bool {
	return n.endpoint != "" && n.recipient != ""
}

// Notify makes at most one attempt, bounded by the configured timeout
func (n *HTTPNotifier) Notify(ctx context.Context, t detection.Type, confidencePct float64) Result {
	if !n.Configured() {
		return Result{Err: fmt.Errorf("%w: missing credentials", ErrNotification)}
	}

	body, err := json.Marshal(sendRequest{Recipient: n.recipient, Text: FormatMessage(t, confidencePct)})
	if err != nil {
		return Result{Err: fmt.Errorf("%w: encode message: %w", ErrNotification, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint+"/send", bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("%w: build request: %w", ErrNotification, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return Result{Attempted: true, Err: fmt.Errorf("%w: %w", ErrNotification, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return Result{Attempted: true, Err: fmt.Errorf("%w: endpoint returned status %d", ErrNotification, resp.StatusCode)}
	}

	n.logger.Debug("Notification delivered", "type", t, "confidence", confidencePct)
	return Result{Attempted: true, Delivered: true}
}
