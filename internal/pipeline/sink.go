// Package pipeline wires frame sources, the model, the classifier, the event
// log and alerting into the upload and live detection paths.
package pipeline

import (
	"context"

	"github.com/vzahanych/firewatch/internal/alert"
	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/logger"
)

// EventRecorder durably appends detection events
type EventRecorder interface {
	Record(ctx context.Context, e events.NewEvent) (events.Event, error)
}

// AlertSink accepts alerts without blocking
type AlertSink interface {
	Dispatch(a alert.Alert) bool
}

// eventSink logs every classified entry and hands alert-worthy ones to the
// dispatcher
type eventSink struct {
	store  EventRecorder
	alerts AlertSink
	logger *logger.Logger
}

// handle records cls in order. A storage failure stops at the failing entry
// and is returned; notification problems never are.
func (s *eventSink) handle(ctx context.Context, cls []detection.Classified, unknown []ai.Detection, ref, source string) ([]events.Event, error) {
	for _, d := range unknown {
		s.logger.Debug("Ignoring unrecognized detection", "label", d.ClassLabel, "confidence", d.Confidence, "source", source)
	}

	out := make([]events.Event, 0, len(cls))
	for _, c := range cls {
		ev, err := s.store.Record(ctx, events.FromClassified(c, ref))
		if err != nil {
			return out, err
		}
		out = append(out, ev)

		if ev.AlertSent && s.alerts != nil {
			s.alerts.Dispatch(alert.Alert{
				EventID:    ev.ID,
				Type:       ev.Type,
				Confidence: ev.Confidence,
				Source:     source,
			})
		}
	}
	return out, nil
}
