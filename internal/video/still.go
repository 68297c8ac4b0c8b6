package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	// decoders for uploaded stills
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// StillSource yields a single image once, then io.EOF
type StillSource struct {
	frame *Frame
	mu    sync.Mutex
	done  bool
}

// NewStillSource decodes data (JPEG, PNG, GIF, BMP, TIFF or WebP) and
// prepares it as a JPEG frame. Non-JPEG input is re-encoded at quality.
func NewStillSource(data []byte, sourceID string, quality int) (*StillSource, error) {
	jpegData, w, h, err := ToJPEG(data, quality)
	if err != nil {
		return nil, err
	}
	f := newFrame(jpegData, sourceID, 1)
	f.Width, f.Height = w, h
	return &StillSource{frame: f}, nil
}

// Next returns the image on the first call and io.EOF afterwards
func (s *StillSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.frame, nil
}

// Close is a no-op
func (s *StillSource) Close() error {
	return nil
}

// FileOpener opens an image file as a StillSource
type FileOpener struct {
	Path    string
	Quality int
}

func (o FileOpener) ID() string {
	return o.Path
}

func (o FileOpener) Open(ctx context.Context) (Source, error) {
	data, err := os.ReadFile(o.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return NewStillSource(data, o.Path, o.Quality)
}

// ToJPEG returns data unchanged when it already is a JPEG, otherwise decodes
// and re-encodes it. The image dimensions are returned alongside.
func ToJPEG(data []byte, quality int) ([]byte, int, int, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unsupported image: %w", err)
	}
	if format == "jpeg" {
		return data, cfg.Width, cfg.Height, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode %s: %w", format, err)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), cfg.Width, cfg.Height, nil
}
