package video

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"time"
)

// ErrDeviceUnavailable is returned when a capture device cannot be opened or
// stops delivering frames
var ErrDeviceUnavailable = errors.New("device unavailable")

// Frame is a single JPEG-encoded image
type Frame struct {
	Data      []byte    // JPEG-encoded frame data
	Timestamp time.Time // Capture time
	Width     int
	Height    int
	SourceID  string // Device or upload the frame came from
	Seq       uint64 // Position within its source, starting at 1
}

// Source yields frames in capture order. Next returns io.EOF when a finite
// source is exhausted. Close releases the underlying device and is safe to
// call more than once.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Opener acquires a Source. Failures wrap ErrDeviceUnavailable.
type Opener interface {
	Open(ctx context.Context) (Source, error)
	ID() string
}

// newFrame builds a frame from JPEG bytes, reading the dimensions from the
// header only
func newFrame(data []byte, sourceID string, seq uint64) *Frame {
	f := &Frame{
		Data:      data,
		Timestamp: time.Now(),
		SourceID:  sourceID,
		Seq:       seq,
	}
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width = cfg.Width
		f.Height = cfg.Height
	}
	return f
}
