package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/vzahanych/firewatch/internal/logger"
)

// DefaultStartTimeout is how long Open waits for the first frame
const DefaultStartTimeout = 10 * time.Second

// DeviceOpener opens a live capture device (v4l2 path or stream URL) through
// an ffmpeg subprocess
type DeviceOpener struct {
	ffmpeg *FFmpegWrapper
	opts   CaptureOptions
	logger *logger.Logger
}

// NewDeviceOpener creates an opener for opts.Input
func NewDeviceOpener(ffmpeg *FFmpegWrapper, opts CaptureOptions, log *logger.Logger) *DeviceOpener {
	return &DeviceOpener{ffmpeg: ffmpeg, opts: opts, logger: log}
}

// ID returns the device identifier
func (o *DeviceOpener) ID() string {
	return o.opts.Input
}

// Open starts capturing and waits for the first frame, so a device ffmpeg
// cannot read fails here with ErrDeviceUnavailable rather than on the first
// Next. The returned source owns the ffmpeg process until Close.
func (o *DeviceOpener) Open(ctx context.Context) (Source, error) {
	if !IsNetworkSource(o.opts.Input) {
		if _, err := os.Stat(o.opts.Input); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, o.opts.Input, err)
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := o.ffmpeg.BuildCommand(procCtx, CaptureArgs(o.opts))
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}

	src := &deviceSource{
		id:       o.opts.Input,
		cmd:      cmd,
		cancel:   cancel,
		splitter: NewJPEGSplitter(stdout),
		stderr:   stderr,
		logger:   o.logger,
	}

	timeout := o.opts.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	startCtx, startCancel := context.WithTimeout(ctx, timeout)
	defer startCancel()

	first, err := src.Next(startCtx)
	if err != nil {
		// Close reaps ffmpeg, so stderr is complete afterwards
		_ = src.Close()
		reason := "capture ended"
		if !errors.Is(err, ErrDeviceUnavailable) {
			reason = fmt.Sprintf("no frame within %v (%v)", timeout, err)
		}
		return nil, fmt.Errorf("%w: %s: %s: %s", ErrDeviceUnavailable, o.opts.Input, reason, strings.TrimSpace(stderr.String()))
	}
	src.first = first

	o.logger.Info("Capture device opened", "device", o.opts.Input, "pid", cmd.Process.Pid)
	return src, nil
}

type deviceSource struct {
	id       string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	splitter *JPEGSplitter
	stderr   *tailBuffer
	logger   *logger.Logger
	seq      uint64
	pending  chan readResult
	first    *Frame // read by Open, returned by the first Next

	closeOnce sync.Once
	closeErr  error
}

type readResult struct {
	data []byte
	err  error
}

// Next blocks until ffmpeg delivers the next image or ctx is done
func (s *deviceSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f := s.first; f != nil {
		s.first = nil
		return f, nil
	}

	// a read abandoned by a cancelled call is picked up by the next one
	if s.pending == nil {
		ch := make(chan readResult, 1)
		go func() {
			data, err := s.splitter.Next()
			ch <- readResult{data, err}
		}()
		s.pending = ch
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-s.pending:
		s.pending = nil
		if res.err != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if errors.Is(res.err, io.EOF) {
				return nil, fmt.Errorf("%w: %s: capture ended: %s", ErrDeviceUnavailable, s.id, msg)
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, s.id, res.err)
		}
		s.seq++
		return newFrame(res.data, s.id, s.seq), nil
	}
}

// Close kills ffmpeg and reaps it
func (s *deviceSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()

		select {
		case err := <-done:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				s.closeErr = multierr.Append(s.closeErr, err)
			}
		case <-time.After(5 * time.Second):
			s.closeErr = multierr.Append(s.closeErr, fmt.Errorf("ffmpeg did not exit for %s", s.id))
		}
		s.logger.Info("Capture device released", "device", s.id, "frames", s.seq)
	})
	return s.closeErr
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
