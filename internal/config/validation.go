package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 1 and 65535, got: %d", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errors = append(errors, fmt.Sprintf("server.max_upload_bytes must be > 0, got: %d", c.Server.MaxUploadBytes))
	}

	if _, err := url.ParseRequestURI(c.Model.URL); err != nil {
		errors = append(errors, fmt.Sprintf("model.url is invalid: %s", c.Model.URL))
	}
	if c.Model.Timeout <= 0 {
		errors = append(errors, fmt.Sprintf("model.timeout must be > 0, got: %v", c.Model.Timeout))
	}
	if c.Model.MaxConcurrent <= 0 {
		errors = append(errors, fmt.Sprintf("model.max_concurrent must be > 0, got: %d", c.Model.MaxConcurrent))
	}

	errors = append(errors, c.Detection.Upload.validate("detection.upload")...)
	errors = append(errors, c.Detection.Live.validate("detection.live")...)

	if c.Capture.Device == "" {
		errors = append(errors, "capture.device is required")
	}
	if c.Capture.FrameRate <= 0 {
		errors = append(errors, fmt.Sprintf("capture.framerate must be > 0, got: %d", c.Capture.FrameRate))
	}

	if c.Stream.SubscriberBuffer <= 0 {
		errors = append(errors, fmt.Sprintf("stream.subscriber_buffer must be > 0, got: %d", c.Stream.SubscriberBuffer))
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("stream.jpeg_quality must be between 1 and 100, got: %d", c.Stream.JPEGQuality))
	}

	if c.Storage.DBPath == "" {
		errors = append(errors, "storage.db_path is required")
	}
	if c.Storage.MediaDir == "" {
		errors = append(errors, "storage.media_dir is required")
	}
	if !strings.HasPrefix(c.Storage.MediaURL, "/") || !strings.HasSuffix(c.Storage.MediaURL, "/") {
		errors = append(errors, fmt.Sprintf("storage.media_url must start and end with '/', got: %s", c.Storage.MediaURL))
	}
	if c.Storage.MinIO.Enabled() && (c.Storage.MinIO.AccessKey == "" || c.Storage.MinIO.SecretKey == "") {
		errors = append(errors, "storage.minio.access_key and secret_key are required when minio is enabled")
	}

	if c.Alert.Timeout <= 0 {
		errors = append(errors, fmt.Sprintf("alert.timeout must be > 0, got: %v", c.Alert.Timeout))
	}
	if c.Alert.Workers <= 0 {
		errors = append(errors, fmt.Sprintf("alert.workers must be > 0, got: %d", c.Alert.Workers))
	}
	if c.Alert.QueueSize <= 0 {
		errors = append(errors, fmt.Sprintf("alert.queue_size must be > 0, got: %d", c.Alert.QueueSize))
	}

	if c.Feed.NATSURL != "" && c.Feed.Subject == "" {
		errors = append(errors, "feed.subject is required when feed.nats_url is set")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

func (p PolicyConfig) validate(prefix string) []string {
	var errors []string
	if p.Confidence <= 0 || p.Confidence > 1 {
		errors = append(errors, fmt.Sprintf("%s.confidence must be in (0, 1], got: %.2f", prefix, p.Confidence))
	}
	if p.IoU <= 0 || p.IoU > 1 {
		errors = append(errors, fmt.Sprintf("%s.iou must be in (0, 1], got: %.2f", prefix, p.IoU))
	}
	if p.ImageSize <= 0 {
		errors = append(errors, fmt.Sprintf("%s.image_size must be > 0, got: %d", prefix, p.ImageSize))
	}
	if p.AlertAbove < 0 || p.AlertAbove >= 1 {
		errors = append(errors, fmt.Sprintf("%s.alert_above must be in [0, 1), got: %.2f", prefix, p.AlertAbove))
	}
	return errors
}
