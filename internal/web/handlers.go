package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/pipeline"
	"github.com/vzahanych/firewatch/internal/storage"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

const (
	// DefaultLogsLimit is the page size of /api/logs
	DefaultLogsLimit = 50
	// ReportLimit is the number of events in the report data set
	ReportLimit = 100
	// RecentAlerts is the number of alerts listed by /api/stats
	RecentAlerts = 5
)

func errorJSON(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"status": "error", "message": msg})
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	resp := gin.H{
		"status":         "ok",
		"uptime":         uptime.Truncate(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(events.TimeLayout),
	}
	if s.deps.Services != nil {
		resp["services"] = s.deps.Services.Snapshots()
	}
	c.JSON(http.StatusOK, resp)
}

// handleDetect runs upload detection on the multipart field "image"
func (s *Server) handleDetect(c *gin.Context) {
	if s.deps.Upload == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Detection not available")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadBytes)
	fh, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorJSON(c, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		errorJSON(c, http.StatusBadRequest, "No image provided")
		return
	}

	f, err := fh.Open()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Failed to read upload")
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Failed to read upload")
		return
	}

	res, err := s.deps.Upload.Detect(c.Request.Context(), fh.Filename, data)
	if err != nil {
		s.LogError("Upload detection failed", err, "file", fh.Filename)
		errorJSON(c, detectStatus(err), "Error processing image: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"result_image": res.ResultImage,
		"detections":   res.Detections,
	})
}

func detectStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBadImage):
		return http.StatusBadRequest
	case errors.Is(err, ai.ErrInference):
		return http.StatusBadGateway
	case errors.Is(err, ai.ErrModelLoad):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrDiskFull):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// handleStream serves the annotated live stream of one device until the
// client leaves or the session ends
func (s *Server) handleStream(c *gin.Context) {
	if s.deps.Live == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Live streaming not available")
		return
	}

	ctx := c.Request.Context()
	device := c.Query("device")
	sess, sub, err := s.deps.Live.Subscribe(ctx, device)
	if err != nil {
		s.LogWarn("Live stream unavailable", "device", device, "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, video.ErrDeviceUnavailable) || errors.Is(err, pipeline.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		errorJSON(c, code, err.Error())
		return
	}
	defer s.deps.Live.Release(sess, sub)

	c.Header("Content-Type", stream.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				return false
			}
			return stream.WritePart(w, frame) == nil
		case <-ctx.Done():
			return false
		}
	})
}

// handleDevices lists the capture devices a stream can be opened on
func (s *Server) handleDevices(c *gin.Context) {
	if s.deps.Devices == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Device discovery not available")
		return
	}

	devs, err := s.deps.Devices.Devices()
	if err != nil {
		s.LogError("Failed to list devices", err)
		errorJSON(c, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devs, "count": len(devs)})
}

// handleStats handles the dashboard stats endpoint
func (s *Server) handleStats(c *gin.Context) {
	if s.deps.Events == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Event log not available")
		return
	}

	st, err := s.deps.Events.Stats(c.Request.Context(), RecentAlerts)
	if err != nil {
		s.LogError("Failed to aggregate stats", err)
		errorJSON(c, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	resp := gin.H{
		"total_detections": st.Total,
		"fire_detections":  st.Fire,
		"smoke_detections": st.Smoke,
		"recent_alerts":    st.RecentAlerts,
		"timestamp":        time.Now().Format(events.TimeLayout),
	}
	if s.deps.Alerts != nil {
		resp["alerts"] = s.deps.Alerts.Stats()
	}
	if s.deps.Live != nil {
		resp["sessions"] = s.deps.Live.Sessions()
	}
	c.JSON(http.StatusOK, resp)
}

// handleListLogs lists detection events, newest first
func (s *Server) handleListLogs(c *gin.Context) {
	if s.deps.Events == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Event log not available")
		return
	}

	f, err := parseFilter(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	limit := DefaultLogsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, events.MaxLimit)
	}

	list, err := s.deps.Events.List(c.Request.Context(), f, limit)
	if err != nil {
		s.LogError("Failed to list events", err)
		errorJSON(c, http.StatusInternalServerError, "Failed to list events")
		return
	}

	entries := lo.Map(list, func(e events.Event, _ int) logEntry { return toLogEntry(e) })
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
		"limit": limit,
	})
}

// handleReport returns the data set of the printable log report
func (s *Server) handleReport(c *gin.Context) {
	if s.deps.Events == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Event log not available")
		return
	}

	ctx := c.Request.Context()
	st, err := s.deps.Events.Stats(ctx, 0)
	if err != nil {
		s.LogError("Failed to aggregate report", err)
		errorJSON(c, http.StatusInternalServerError, "Failed to build report")
		return
	}
	list, err := s.deps.Events.List(ctx, events.Filter{}, ReportLimit)
	if err != nil {
		s.LogError("Failed to list report events", err)
		errorJSON(c, http.StatusInternalServerError, "Failed to build report")
		return
	}

	entries := lo.Map(list, func(e events.Event, _ int) logEntry { return toLogEntry(e) })
	c.JSON(http.StatusOK, gin.H{
		"generated_at": time.Now().Format(events.TimeLayout),
		"summary": gin.H{
			"total_detections": st.Total,
			"fire_detections":  st.Fire,
			"smoke_detections": st.Smoke,
			"high_confidence":  st.HighConfidence,
		},
		"logs": entries,
	})
}

// handleWebSocket upgrades to the dashboard event feed
func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request)
}

// logEntry is one row of the logs listing
type logEntry struct {
	ID              int64          `json:"id"`
	Type            detection.Type `json:"detection_type"`
	Confidence      float64        `json:"confidence"`
	SourceReference string         `json:"image_path,omitempty"`
	DetectedAt      string         `json:"detected_at"`
	AlertSent       bool           `json:"alert_sent"`
}

func toLogEntry(e events.Event) logEntry {
	return logEntry{
		ID:              e.ID,
		Type:            e.Type,
		Confidence:      e.Confidence,
		SourceReference: e.SourceReference,
		DetectedAt:      e.OccurredAt.Local().Format(events.TimeLayout),
		AlertSent:       e.AlertSent,
	}
}

func parseFilter(c *gin.Context) (events.Filter, error) {
	var f events.Filter

	if v := c.Query("type"); v != "" {
		t, ok := detection.ParseType(v)
		if !ok {
			return f, fmt.Errorf("unknown detection type %q", v)
		}
		f.Type = t
	}
	if v := c.Query("alert_sent"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("alert_sent must be a boolean")
		}
		f.AlertSent = &b
	}
	if v := c.Query("min_confidence"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("min_confidence must be a number")
		}
		f.MinConfidence = &n
	}
	return f, nil
}
