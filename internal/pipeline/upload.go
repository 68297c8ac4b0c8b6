package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

// ErrBadImage is returned for uploads that are not a decodable image
var ErrBadImage = errors.New("invalid image")

// ResultSaver stores uploaded and annotated images
type ResultSaver interface {
	SaveUpload(ctx context.Context, name string, data []byte) (string, error)
	SaveResult(ctx context.Context, name string, data []byte) (string, error)
	URL(name string) string
}

// DetectionSummary is one model detection as reported to the uploader
type DetectionSummary struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// UploadResult is the outcome of one upload
type UploadResult struct {
	ResultImage string             `json:"result_image"`
	Detections  []DetectionSummary `json:"detections"`
	Events      []events.Event     `json:"-"`
}

// ImageDetectorConfig wires an ImageDetector
type ImageDetectorConfig struct {
	Detector    ai.Detector
	Policy      detection.Policy
	Store       EventRecorder
	Alerts      AlertSink
	Results     ResultSaver
	Annotator   *stream.Annotator
	JPEGQuality int
}

// ImageDetector runs the upload path: save, infer, annotate, log, alert
type ImageDetector struct {
	cfg    ImageDetectorConfig
	sink   *eventSink
	logger *logger.Logger
}

// NewImageDetector creates an upload detector
func NewImageDetector(cfg ImageDetectorConfig, log *logger.Logger) *ImageDetector {
	return &ImageDetector{
		cfg:    cfg,
		sink:   &eventSink{store: cfg.Store, alerts: cfg.Alerts, logger: log},
		logger: log,
	}
}

// Detect processes one uploaded image. Inference and storage failures are
// returned; alerting failures are not.
func (d *ImageDetector) Detect(ctx context.Context, name string, data []byte) (*UploadResult, error) {
	src, err := video.NewStillSource(data, name, d.cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer src.Close()

	frame, err := src.Next(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := d.cfg.Results.SaveUpload(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	frame.SourceID = stored

	dets, err := d.cfg.Detector.Infer(ctx, frame, d.cfg.Policy.Inference)
	if err != nil {
		return nil, err
	}

	annotated, err := d.cfg.Annotator.Annotate(frame.Data, dets)
	if err != nil {
		return nil, fmt.Errorf("failed to annotate image: %w", err)
	}
	result, err := d.cfg.Results.SaveResult(ctx, stored, annotated)
	if err != nil {
		return nil, fmt.Errorf("failed to save result image: %w", err)
	}

	cls, unknown := detection.Classify(dets, d.cfg.Policy)
	recorded, err := d.sink.handle(ctx, cls, unknown, result, "upload")
	if err != nil {
		return nil, err
	}

	d.logger.Info("Image processed",
		"name", stored,
		"detections", len(dets),
		"events", len(recorded),
		"width", frame.Width,
		"height", frame.Height,
	)

	summaries := lo.Map(dets, func(det ai.Detection, _ int) DetectionSummary {
		return DetectionSummary{Class: det.ClassLabel, Confidence: det.Confidence}
	})
	return &UploadResult{ResultImage: d.cfg.Results.URL(result), Detections: summaries, Events: recorded}, nil
}
