package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "FIREWATCH_"

// Config represents the application configuration
type Config struct {
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Model     ModelConfig     `yaml:"model" envPrefix:"MODEL_"`
	Detection DetectionConfig `yaml:"detection" envPrefix:"DETECTION_"`
	Capture   CaptureConfig   `yaml:"capture" envPrefix:"CAPTURE_"`
	Stream    StreamConfig    `yaml:"stream" envPrefix:"STREAM_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Alert     AlertConfig     `yaml:"alert" envPrefix:"ALERT_"`
	Feed      FeedConfig      `yaml:"feed" envPrefix:"FEED_"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// ServerConfig contains the HTTP listener configuration
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ModelConfig describes how to reach the detection model server
type ModelConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

// PolicyConfig holds the inference parameters and alert threshold of one mode
type PolicyConfig struct {
	Confidence float64 `yaml:"confidence" env:"CONFIDENCE"`
	IoU        float64 `yaml:"iou" env:"IOU"`
	ImageSize  int     `yaml:"image_size" env:"IMAGE_SIZE"`
	AlertAbove float64 `yaml:"alert_above" env:"ALERT_ABOVE"`
}

// DetectionConfig contains the per-mode detection policies
type DetectionConfig struct {
	Upload PolicyConfig `yaml:"upload" envPrefix:"UPLOAD_"`
	Live   PolicyConfig `yaml:"live" envPrefix:"LIVE_"`
}

// CaptureConfig configures the live frame source
type CaptureConfig struct {
	Device      string `yaml:"device" env:"DEVICE"`
	FFmpegPath  string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	InputFormat string `yaml:"input_format" env:"INPUT_FORMAT"`
	VideoSize   string `yaml:"video_size" env:"VIDEO_SIZE"`
	FrameRate   int    `yaml:"framerate" env:"FRAMERATE"`
}

// StreamConfig configures live stream fan-out
type StreamConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	JPEGQuality      int `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

// StorageConfig contains database and media storage configuration
type StorageConfig struct {
	DBPath   string      `yaml:"db_path" env:"DB_PATH"`
	MediaDir string      `yaml:"media_dir" env:"MEDIA_DIR"`
	MediaURL string      `yaml:"media_url" env:"MEDIA_URL"`
	MinIO    MinIOConfig `yaml:"minio" envPrefix:"MINIO_"`
}

// MinIOConfig enables mirroring result images to an object store
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Secure    bool   `yaml:"secure" env:"SECURE"`
}

// Enabled reports whether an object store is configured
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != ""
}

// AlertConfig configures the outbound notification channel
type AlertConfig struct {
	Endpoint  string        `yaml:"endpoint" env:"ENDPOINT"`
	Recipient string        `yaml:"recipient" env:"RECIPIENT"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Workers   int           `yaml:"workers" env:"WORKERS"`
	QueueSize int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// FeedConfig configures the NATS detection feed. An empty URL disables it.
type FeedConfig struct {
	NATSURL string `yaml:"nats_url" env:"NATS_URL"`
	Subject string `yaml:"subject" env:"SUBJECT"`
}

// Load reads the configuration file, applies defaults and then environment
// overrides. An empty path tries the default locations and falls back to
// defaults when none exists.
func Load(configPath string) (*Config, error) {
	var cfg Config

	explicit := configPath != ""
	if !explicit {
		configPath = getDefaultConfigPath()
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse configuration: %w", err)
			}
		case os.IsNotExist(err) && explicit:
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	cfg.setDefaults()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &cfg, nil
}

// getDefaultConfigPath returns the first existing default config file, or ""
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config.yaml",
		"/etc/firewatch/config.yaml",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 20 << 20
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Model.URL == "" {
		c.Model.URL = "http://localhost:8080"
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = 10 * time.Second
	}
	if c.Model.MaxConcurrent == 0 {
		c.Model.MaxConcurrent = 4
	}

	c.Detection.Upload.fill(PolicyConfig{Confidence: 0.4, IoU: 0.4, ImageSize: 640, AlertAbove: 0.2})
	c.Detection.Live.fill(PolicyConfig{Confidence: 0.15, IoU: 0.4, ImageSize: 640, AlertAbove: 0.4})

	if c.Capture.Device == "" {
		c.Capture.Device = "/dev/video0"
	}
	if c.Capture.FFmpegPath == "" {
		c.Capture.FFmpegPath = "ffmpeg"
	}
	if c.Capture.InputFormat == "" {
		c.Capture.InputFormat = "v4l2"
	}
	if c.Capture.VideoSize == "" {
		c.Capture.VideoSize = "640x480"
	}
	if c.Capture.FrameRate == 0 {
		c.Capture.FrameRate = 10
	}

	if c.Stream.SubscriberBuffer == 0 {
		c.Stream.SubscriberBuffer = 4
	}
	if c.Stream.JPEGQuality == 0 {
		c.Stream.JPEGQuality = 80
	}

	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join("data", "firewatch.db")
	}
	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = filepath.Join("data", "media")
	}
	if c.Storage.MediaURL == "" {
		c.Storage.MediaURL = "/media/"
	}
	if c.Storage.MinIO.Bucket == "" {
		c.Storage.MinIO.Bucket = "firewatch"
	}

	if c.Alert.Timeout == 0 {
		c.Alert.Timeout = 5 * time.Second
	}
	if c.Alert.Workers == 0 {
		c.Alert.Workers = 2
	}
	if c.Alert.QueueSize == 0 {
		c.Alert.QueueSize = 64
	}

	if c.Feed.Subject == "" {
		c.Feed.Subject = "firewatch.detections"
	}
}

// fill copies defaults into zero-valued fields
func (p *PolicyConfig) fill(def PolicyConfig) {
	if p.Confidence == 0 {
		p.Confidence = def.Confidence
	}
	if p.IoU == 0 {
		p.IoU = def.IoU
	}
	if p.ImageSize == 0 {
		p.ImageSize = def.ImageSize
	}
	if p.AlertAbove == 0 {
		p.AlertAbove = def.AlertAbove
	}
}

// Policy converts the section into a detection policy
func (p PolicyConfig) Policy(name string) detection.Policy {
	return detection.Policy{
		Name:       name,
		Inference:  ai.Params{Confidence: p.Confidence, IoU: p.IoU, ImageSize: p.ImageSize},
		AlertAbove: p.AlertAbove,
	}
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
