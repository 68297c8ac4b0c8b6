package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/video"
)

var v4l2Device = regexp.MustCompile(`^/dev/video[0-9]+$`)

// DeviceFactory opens capture devices through ffmpeg. Only the configured
// default input and local V4L2 nodes are accepted.
type DeviceFactory struct {
	ffmpeg   *video.FFmpegWrapper
	defaults video.CaptureOptions
	logger   *logger.Logger
}

// NewDeviceFactory creates a factory; defaults.Input is the device used when
// none is named
func NewDeviceFactory(ffmpeg *video.FFmpegWrapper, defaults video.CaptureOptions, log *logger.Logger) *DeviceFactory {
	return &DeviceFactory{ffmpeg: ffmpeg, defaults: defaults, logger: log}
}

// Opener implements OpenerFactory
func (f *DeviceFactory) Opener(device string) (video.Opener, error) {
	device = strings.TrimSpace(device)
	if device == "" || device == "default" || device == f.defaults.Input {
		return video.NewDeviceOpener(f.ffmpeg, f.defaults, f.logger), nil
	}
	if !v4l2Device.MatchString(device) {
		return nil, fmt.Errorf("%w: device %q is not allowed", video.ErrDeviceUnavailable, device)
	}
	opts := f.defaults
	opts.Input = device
	return video.NewDeviceOpener(f.ffmpeg, opts, f.logger), nil
}
