// Package storage keeps uploaded and annotated images in the media directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vzahanych/firewatch/internal/logger"
)

// ResultPrefix is prepended to the name of annotated images
const ResultPrefix = "result_"

// ErrDiskFull is returned when the media filesystem is over its usage limit
var ErrDiskFull = errors.New("media disk full")

// Mirror copies stored images to a secondary store
type Mirror interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// ResultStoreConfig configures the media store
type ResultStoreConfig struct {
	MediaDir            string
	MediaURL            string // URL prefix the media dir is served under
	MaxDiskUsagePercent float64
	Mirror              Mirror // optional
}

// ResultStore writes images under the media directory. Mirror failures are
// logged and do not fail a save.
type ResultStore struct {
	logger   *logger.Logger
	mediaDir string
	mediaURL string
	mirror   Mirror
	disk     *DiskMonitor
	mu       sync.Mutex
}

// NewResultStore creates the media directory if needed
func NewResultStore(cfg ResultStoreConfig, log *logger.Logger) (*ResultStore, error) {
	if cfg.MediaDir == "" {
		return nil, fmt.Errorf("media directory is required")
	}
	if err := os.MkdirAll(cfg.MediaDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	mediaURL := cfg.MediaURL
	if mediaURL == "" {
		mediaURL = "/media/"
	}
	if !strings.HasSuffix(mediaURL, "/") {
		mediaURL += "/"
	}

	log.Info("Result store initialized",
		"media_dir", cfg.MediaDir,
		"media_url", mediaURL,
		"mirror", cfg.Mirror != nil,
	)
	return &ResultStore{
		logger:   log,
		mediaDir: cfg.MediaDir,
		mediaURL: mediaURL,
		mirror:   cfg.Mirror,
		disk:     NewDiskMonitor(cfg.MediaDir, cfg.MaxDiskUsagePercent),
	}, nil
}

// Dir returns the media directory
func (s *ResultStore) Dir() string {
	return s.mediaDir
}

// URL returns the public URL of a stored name
func (s *ResultStore) URL(name string) string {
	return s.mediaURL + name
}

// Disk returns the media filesystem monitor
func (s *ResultStore) Disk() *DiskMonitor {
	return s.disk
}

// SaveUpload stores an uploaded image under a sanitized, unused variant of
// name and returns the stored name
func (s *ResultStore) SaveUpload(ctx context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	stored, err := s.write(availableName(s.mediaDir, SanitizeName(name)), data)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.mirrorCopy(ctx, stored, data)
	return stored, nil
}

// SaveResult stores the annotated JPEG for an upload stored as name and
// returns the stored result name
func (s *ResultStore) SaveResult(ctx context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	stored, err := s.write(availableName(s.mediaDir, ResultName(name)), data)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.mirrorCopy(ctx, stored, data)
	return stored, nil
}

// ResultName is result_<name> with a .jpg extension, since annotated images
// are always JPEG
func ResultName(name string) string {
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return ResultPrefix + name
	}
	return ResultPrefix + strings.TrimSuffix(name, ext) + ".jpg"
}

func (s *ResultStore) write(name string, data []byte) (string, error) {
	ok, err := s.disk.HasSpace()
	if err != nil {
		return "", fmt.Errorf("failed to check disk space: %w", err)
	}
	if !ok {
		return "", ErrDiskFull
	}

	final := filepath.Join(s.mediaDir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to store %s: %w", name, err)
	}
	return name, nil
}

func (s *ResultStore) mirrorCopy(ctx context.Context, name string, data []byte) {
	if s.mirror == nil {
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	loc, err := s.mirror.Put(ctx, name, data, contentType)
	if err != nil {
		s.logger.Warn("Failed to mirror image", "name", name, "error", err)
		return
	}
	s.logger.Debug("Image mirrored", "name", name, "location", loc)
}

// SanitizeName reduces an uploaded file name to a safe base name
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "upload.jpg"
	}
	return out
}

// availableName returns name, or name with a random suffix when it is taken
func availableName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s_%s%s", stem, uuid.New().String()[:7], ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}
