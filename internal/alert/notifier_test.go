package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/logger"
)

func TestFormatMessage(t *testing.T) {
	assert.Equal(t, "🚨 FIRE ALERT 🚨\n\nType: FIRE\nConfidence: 85.0%", FormatMessage(detection.Fire, 85))
	assert.Equal(t, "🚨 FIRE ALERT 🚨\n\nType: SMOKE\nConfidence: 42.6%", FormatMessage(detection.Smoke, 42.56))
}

func TestHTTPNotifier_Delivered(t *testing.T) {
	var got sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewHTTPNotifier(NotifierConfig{Endpoint: server.URL + "/", Recipient: "ops"}, logger.NewNopLogger())
	res := n.Notify(context.Background(), detection.Fire, 85)

	assert.True(t, res.Attempted)
	assert.True(t, res.Delivered)
	assert.NoError(t, res.Err)
	assert.Equal(t, "ops", got.Recipient)
	assert.Equal(t, FormatMessage(detection.Fire, 85), got.Text)
}

func TestHTTPNotifier_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewHTTPNotifier(NotifierConfig{Endpoint: server.URL, Recipient: "ops"}, logger.NewNopLogger())
	res := n.Notify(context.Background(), detection.Smoke, 50)

	assert.True(t, res.Attempted)
	assert.False(t, res.Delivered)
	assert.ErrorIs(t, res.Err, ErrNotification)
}

func TestHTTPNotifier_MissingCredentials(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	for _, cfg := range []NotifierConfig{
		{Endpoint: server.URL},
		{Recipient: "ops"},
		{},
	} {
		n := NewHTTPNotifier(cfg, logger.NewNopLogger())
		assert.False(t, n.Configured())
		res := n.Notify(context.Background(), detection.Fire, 90)
		assert.False(t, res.Attempted)
		assert.False(t, res.Delivered)
		assert.ErrorIs(t, res.Err, ErrNotification)
	}
	assert.Zero(t, hits.Load())
}

func TestHTTPNotifier_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	n := NewHTTPNotifier(NotifierConfig{Endpoint: server.URL, Recipient: "ops", Timeout: 50 * time.Millisecond}, logger.NewNopLogger())

	start := time.Now()
	res := n.Notify(context.Background(), detection.Fire, 85)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Attempted)
	assert.False(t, res.Delivered)
	assert.ErrorIs(t, res.Err, ErrNotification)
}

func TestHTTPNotifier_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	n := NewHTTPNotifier(NotifierConfig{Endpoint: url, Recipient: "ops", Timeout: time.Second}, logger.NewNopLogger())
	res := n.Notify(context.Background(), detection.Fire, 85)
	assert.True(t, res.Attempted)
	assert.ErrorIs(t, res.Err, ErrNotification)
}
