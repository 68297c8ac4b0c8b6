package video

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegWrapper locates the ffmpeg binary and builds capture commands
type FFmpegWrapper struct {
	ffmpegPath string
}

// CaptureOptions describes a live input and the MJPEG output ffmpeg produces
type CaptureOptions struct {
	Input       string // device path or stream URL
	InputFormat string // e.g. v4l2; ignored for URLs
	VideoSize   string // e.g. 640x480; ignored for URLs
	FrameRate   int
	Quality     int // ffmpeg -q:v, 2 (best) to 31

	// StartTimeout bounds the wait for the first frame in Open;
	// DefaultStartTimeout when zero
	StartTimeout time.Duration
}

// NewFFmpegWrapper uses path when it runs, otherwise searches the usual
// locations
func NewFFmpegWrapper(path string) (*FFmpegWrapper, error) {
	found, err := detectFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	return &FFmpegWrapper{ffmpegPath: found}, nil
}

// NewFFmpegWrapperAt uses path as-is without probing it
func NewFFmpegWrapperAt(path string) *FFmpegWrapper {
	return &FFmpegWrapper{ffmpegPath: path}
}

func detectFFmpeg(preferred string) (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if preferred != "" {
		paths = append([]string{preferred}, paths...)
	}
	for _, path := range paths {
		if err := exec.Command(path, "-version").Run(); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// Path returns the ffmpeg executable in use
func (f *FFmpegWrapper) Path() string {
	return f.ffmpegPath
}

// BuildCommand builds an ffmpeg command bound to ctx
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.ffmpegPath, args...)
}

// CaptureArgs returns the arguments that make ffmpeg write a continuous
// stream of JPEG images to stdout
func CaptureArgs(opts CaptureOptions) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if IsNetworkSource(opts.Input) {
		if strings.HasPrefix(opts.Input, "rtsp://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", opts.Input)
		if opts.FrameRate > 0 {
			args = append(args, "-r", strconv.Itoa(opts.FrameRate))
		}
	} else {
		if opts.InputFormat != "" {
			args = append(args, "-f", opts.InputFormat)
		}
		if opts.VideoSize != "" {
			args = append(args, "-video_size", opts.VideoSize)
		}
		if opts.FrameRate > 0 {
			args = append(args, "-framerate", strconv.Itoa(opts.FrameRate))
		}
		args = append(args, "-i", opts.Input)
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = 5
	}
	return append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"-",
	)
}

// IsNetworkSource reports whether input is a URL rather than a local device
func IsNetworkSource(input string) bool {
	for _, scheme := range []string{"rtsp://", "rtsps://", "http://", "https://", "rtmp://", "udp://", "tcp://"} {
		if strings.HasPrefix(input, scheme) {
			return true
		}
	}
	return false
}
