// Package events is the append-only log of detection events.
package events

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vzahanych/firewatch/internal/detection"
)

var (
	// ErrStorageWrite wraps any failure to durably append an event
	ErrStorageWrite = errors.New("storage write failure")

	// ErrInvalidEvent is returned for events that violate the data model
	ErrInvalidEvent = errors.New("invalid event")
)

// TimeLayout is the display format of event timestamps
const TimeLayout = "2006-01-02 15:04:05"

// Event is a persisted detection. Events are never modified after Record.
type Event struct {
	ID              int64          `json:"id"`
	Type            detection.Type `json:"detection_type"`
	Confidence      float64        `json:"confidence"` // percent, 0 to 100
	SourceReference string         `json:"source_reference,omitempty"`
	OccurredAt      time.Time      `json:"detected_at"`
	AlertSent       bool           `json:"alert_sent"`
}

// NewEvent is what callers hand to Record. The store assigns ID and
// OccurredAt.
type NewEvent struct {
	Type            detection.Type
	Confidence      float64 // percent
	SourceReference string
	AlertSent       bool
}

// FromClassified builds a NewEvent from a classifier entry
func FromClassified(c detection.Classified, sourceRef string) NewEvent {
	return NewEvent{
		Type:            c.Type,
		Confidence:      c.ConfidencePct,
		SourceReference: sourceRef,
		AlertSent:       c.Alert,
	}
}

// Validate checks the data model constraints
func (e NewEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if math.IsNaN(e.Confidence) || e.Confidence < 0 || e.Confidence > 100 {
		return fmt.Errorf("%w: confidence %v outside [0, 100]", ErrInvalidEvent, e.Confidence)
	}
	return nil
}

// Filter narrows List and Count. Zero values match everything.
type Filter struct {
	Type          detection.Type
	AlertSent     *bool
	MinConfidence *float64 // strictly greater than, in percent
	Since         time.Time
	Until         time.Time
}

// Recent is the short form of an event used by the dashboard
type Recent struct {
	ID         int64          `json:"id"`
	Type       detection.Type `json:"detection_type"`
	Confidence float64        `json:"confidence"`
	DetectedAt string         `json:"detected_at"`
}

// Summary returns e in its dashboard form
func (e Event) Summary() Recent {
	return Recent{
		ID:         e.ID,
		Type:       e.Type,
		Confidence: e.Confidence,
		DetectedAt: e.OccurredAt.Local().Format(TimeLayout),
	}
}

// Stats is the aggregate view over the whole log
type Stats struct {
	Total          int      `json:"total_detections"`
	Fire           int      `json:"fire_detections"`
	Smoke          int      `json:"smoke_detections"`
	Both           int      `json:"both_detections"`
	Alerts         int      `json:"alerts_sent"`
	HighConfidence int      `json:"high_confidence"`
	RecentAlerts   []Recent `json:"recent_alerts"`
}

// HighConfidenceAbove is the percent threshold counted by Stats.HighConfidence
const HighConfidenceAbove = 70.0
