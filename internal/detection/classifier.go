// Package detection turns raw model output into typed, thresholded entries.
package detection

import (
	"strings"

	"github.com/vzahanych/firewatch/internal/ai"
)

// Type is the kind of hazard an event records
type Type string

const (
	Fire  Type = "fire"
	Smoke Type = "smoke"
	// Both is a valid stored value that the classifier never produces; each
	// detection yields its own entry.
	Both Type = "both"
)

// Valid reports whether t is a storable type
func (t Type) Valid() bool {
	switch t {
	case Fire, Smoke, Both:
		return true
	}
	return false
}

// ParseType parses a stored or user-supplied type, case-insensitively
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Policy holds the inference parameters and alert threshold of one mode
type Policy struct {
	Name       string
	Inference  ai.Params
	AlertAbove float64 // raw confidence must be strictly greater to alert
}

// UploadPolicy is used for single uploaded images
func UploadPolicy() Policy {
	return Policy{
		Name:       "upload",
		Inference:  ai.Params{Confidence: 0.4, IoU: 0.4, ImageSize: 640},
		AlertAbove: 0.2,
	}
}

// LivePolicy is used for frames of a live stream
func LivePolicy() Policy {
	return Policy{
		Name:       "live",
		Inference:  ai.Params{Confidence: 0.15, IoU: 0.4, ImageSize: 640},
		AlertAbove: 0.4,
	}
}

// Classified is a recognized detection ready to be logged
type Classified struct {
	Type          Type
	ConfidencePct float64 // raw confidence * 100
	Alert         bool
	Raw           ai.Detection
}

// Classify maps each detection with a recognized label to one entry. The
// second return value holds detections whose label is neither fire nor smoke;
// they are not logged.
func Classify(dets []ai.Detection, policy Policy) ([]Classified, []ai.Detection) {
	out := make([]Classified, 0, len(dets))
	var unrecognized []ai.Detection
	for _, d := range dets {
		t, ok := recognize(d.ClassLabel)
		if !ok {
			unrecognized = append(unrecognized, d)
			continue
		}
		out = append(out, Classified{
			Type:          t,
			ConfidencePct: clampPct(d.Confidence * 100),
			Alert:         d.Confidence > policy.AlertAbove,
			Raw:           d,
		})
	}
	return out, unrecognized
}

func recognize(label string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(label))) {
	case Fire:
		return Fire, true
	case Smoke:
		return Smoke, true
	}
	return "", false
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
