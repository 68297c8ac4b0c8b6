package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/firewatch/internal/alert"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/health"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/pipeline"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

// DefaultMaxUploadBytes caps an upload request body
const DefaultMaxUploadBytes = 32 << 20

// UploadDetector runs detection on one uploaded image
type UploadDetector interface {
	Detect(ctx context.Context, name string, data []byte) (*pipeline.UploadResult, error)
}

// LiveStreams hands out live session subscriptions
type LiveStreams interface {
	Subscribe(ctx context.Context, device string) (*pipeline.Session, *stream.Subscriber, error)
	Release(s *pipeline.Session, sub *stream.Subscriber)
	Sessions() []pipeline.SessionInfo
}

// EventLog is the read side of the detection log
type EventLog interface {
	List(ctx context.Context, f events.Filter, limit int) ([]events.Event, error)
	Stats(ctx context.Context, recentAlerts int) (events.Stats, error)
}

// AlertStats reports dispatcher counters
type AlertStats interface {
	Stats() alert.Stats
}

// DeviceLister enumerates local capture devices
type DeviceLister interface {
	Devices() ([]video.Device, error)
}

// Dependencies are the components behind the HTTP surface. Nil members
// make their endpoints answer 503.
type Dependencies struct {
	Upload   UploadDetector
	Live     LiveStreams
	Events   EventLog
	Alerts   AlertStats
	Devices  DeviceLister
	Services health.Services
	Health   *health.Manager
	MediaDir string
	MediaURL string
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     config.ServerConfig
	deps       Dependencies
	logger     *logger.Logger
	router     *gin.Engine
	hub        *Hub
	httpServer *http.Server
	cancel     context.CancelFunc
	hubDone    chan struct{}
	version    string
	startTime  time.Time
	mu         sync.Mutex
}

// NewServer creates a new web server service with all routes mounted
func NewServer(cfg config.ServerConfig, deps Dependencies, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		deps:        deps,
		logger:      log,
		router:      router,
		hub:         NewHub(log),
		version:     "dev",
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub of the dashboard feed
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener, starts the websocket hub and serves requests
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return nil
	}

	addr := s.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.hubDone)
		s.hub.Run(hubCtx)
	}()
	if bus := s.GetEventBus(); bus != nil {
		bus.SubscribeWithHandler(hubCtx, service.EventTypeDetectionRecorded, s.forwardDetection, func(err error) {
			s.LogWarn("Dropped dashboard event", "error", err)
		})
	}

	// Streaming responses run until the client leaves, so no write timeout
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", addr)
		}
	}()

	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	s.cancel()
	<-s.hubDone
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	return err
}

func (s *Server) forwardDetection(_ context.Context, ev service.Event) error {
	e, ok := ev.Data.(events.Event)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	s.hub.Broadcast(DetectionMessage(e))
	return nil
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/detect", s.handleDetect)
		api.GET("/stream", s.handleStream)
		api.GET("/devices", s.handleDevices)
		api.GET("/stats", s.handleStats)
		api.GET("/logs", s.handleListLogs)
		api.GET("/logs/report", s.handleReport)
		api.GET("/events/ws", s.handleWebSocket)
	}

	if s.deps.Health != nil {
		s.deps.Health.RegisterRoutes(s.router)
	}

	if s.deps.MediaDir != "" && strings.HasPrefix(s.deps.MediaURL, "/") {
		s.router.Static(s.deps.MediaURL, s.deps.MediaDir)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
