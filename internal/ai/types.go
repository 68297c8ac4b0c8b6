package ai

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/vzahanych/firewatch/internal/video"
)

var (
	// ErrModelLoad means the model server could not be reached or is not
	// ready at startup. It is fatal.
	ErrModelLoad = errors.New("model load failure")

	// ErrInference means a single inference call failed. Callers skip the frame.
	ErrInference = errors.New("inference failure")
)

// Params are the per-call inference knobs
type Params struct {
	Confidence float64 // minimum confidence kept by the model
	IoU        float64 // non-max suppression overlap threshold
	ImageSize  int     // model input size in pixels
}

// Box is a pixel rectangle (x1, y1) top-left to (x2, y2) bottom-right
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Detection is one object reported by the model
type Detection struct {
	ClassLabel string
	Confidence float64 // 0.0 to 1.0
	Box        Box
}

// Detector runs object detection on a frame
type Detector interface {
	Infer(ctx context.Context, frame *video.Frame, params Params) ([]Detection, error)
}

// InferenceRequest represents a request to the model server
type InferenceRequest struct {
	Image               string  `json:"image"` // Base64-encoded JPEG image
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold"`
	ImageSize           int     `json:"image_size"`
}

// BoundingBox represents a detected object's bounding box on the wire
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// InferenceResponse represents the response from the model server
type InferenceResponse struct {
	BoundingBoxes   []BoundingBox `json:"bounding_boxes"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
	DetectionCount  int           `json:"detection_count"`
}

// Detections converts the wire boxes
func (r *InferenceResponse) Detections() []Detection {
	return lo.Map(r.BoundingBoxes, func(b BoundingBox, _ int) Detection {
		return Detection{
			ClassLabel: b.ClassName,
			Confidence: b.Confidence,
			Box:        Box{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2},
		}
	})
}

// ModelInfo describes the loaded model
type ModelInfo struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Classes []string `json:"classes"`
}
