package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/detection"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8000, cfg.Server.Port)

	assert.Equal(t, 0.4, cfg.Detection.Upload.Confidence)
	assert.Equal(t, 0.4, cfg.Detection.Upload.IoU)
	assert.Equal(t, 640, cfg.Detection.Upload.ImageSize)
	assert.Equal(t, 0.2, cfg.Detection.Upload.AlertAbove)

	assert.Equal(t, 0.15, cfg.Detection.Live.Confidence)
	assert.Equal(t, 0.4, cfg.Detection.Live.IoU)
	assert.Equal(t, 640, cfg.Detection.Live.ImageSize)
	assert.Equal(t, 0.4, cfg.Detection.Live.AlertAbove)

	assert.Equal(t, 5*time.Second, cfg.Alert.Timeout)
	assert.Equal(t, "/media/", cfg.Storage.MediaURL)
	assert.False(t, cfg.Storage.MinIO.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9100
detection:
  live:
    confidence: 0.3
alert:
  endpoint: http://notify.local
  recipient: "12345"
  timeout: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 0.3, cfg.Detection.Live.Confidence)
	// untouched fields of a partially set policy keep their defaults
	assert.Equal(t, 0.4, cfg.Detection.Live.AlertAbove)
	assert.Equal(t, "http://notify.local", cfg.Alert.Endpoint)
	assert.Equal(t, 2*time.Second, cfg.Alert.Timeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "alert:\n  recipient: from-file\n")
	t.Setenv("FIREWATCH_ALERT_RECIPIENT", "from-env")
	t.Setenv("FIREWATCH_ALERT_ENDPOINT", "http://bot.example")
	t.Setenv("FIREWATCH_SERVER_PORT", "9200")
	t.Setenv("FIREWATCH_DETECTION_UPLOAD_ALERT_ABOVE", "0.25")
	t.Setenv("FIREWATCH_STORAGE_MINIO_ENDPOINT", "minio:9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Alert.Recipient)
	assert.Equal(t, "http://bot.example", cfg.Alert.Endpoint)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 0.25, cfg.Detection.Upload.AlertAbove)
	assert.True(t, cfg.Storage.MinIO.Enabled())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse configuration")
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	cfg.Log.Format = "xml"
	cfg.Detection.Live.Confidence = 1.5
	cfg.Stream.JPEGQuality = 0
	cfg.Storage.MediaURL = "media"
	cfg.Storage.MinIO.Endpoint = "minio:9000"

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid log.format")
	assert.Contains(t, msg, "detection.live.confidence")
	assert.Contains(t, msg, "stream.jpeg_quality")
	assert.Contains(t, msg, "storage.media_url")
	assert.Contains(t, msg, "storage.minio.access_key")
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8000", ServerConfig{Host: "127.0.0.1", Port: 8000}.Addr())
}

func TestPolicyConfig_MatchesBuiltInPolicies(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: info\n"))
	require.NoError(t, err)

	assert.Equal(t, detection.UploadPolicy(), cfg.Detection.Upload.Policy("upload"))
	assert.Equal(t, detection.LivePolicy(), cfg.Detection.Live.Policy("live"))
}
