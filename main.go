package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/alert"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/feed"
	"github.com/vzahanych/firewatch/internal/health"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/pipeline"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/storage"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
	"github.com/vzahanych/firewatch/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting firewatch",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	if err := run(cfg, log); err != nil {
		log.Error("Exiting", "error", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := state.NewDatabase(ctx, cfg.Storage.DBPath, state.Options{})
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer db.Close()

	initCtx, initCancel := context.WithTimeout(ctx, cfg.Model.Timeout)
	model, err := ai.Init(initCtx, ai.ModelConfig{
		Client:        ai.ClientConfig{ServiceURL: cfg.Model.URL, Timeout: cfg.Model.Timeout},
		MaxConcurrent: cfg.Model.MaxConcurrent,
	}, log.Named("model"))
	initCancel()
	if err != nil {
		return err
	}
	defer ai.Close()

	var mirror storage.Mirror
	if cfg.Storage.MinIO.Enabled() {
		m, err := storage.NewMinIOMirror(storage.MinIOConfig{
			Endpoint:  cfg.Storage.MinIO.Endpoint,
			AccessKey: cfg.Storage.MinIO.AccessKey,
			SecretKey: cfg.Storage.MinIO.SecretKey,
			Bucket:    cfg.Storage.MinIO.Bucket,
			Secure:    cfg.Storage.MinIO.Secure,
		})
		if err != nil {
			return err
		}
		mirror = m
		log.Info("Mirroring result images", "endpoint", cfg.Storage.MinIO.Endpoint, "bucket", m.Bucket())
	}
	results, err := storage.NewResultStore(storage.ResultStoreConfig{
		MediaDir: cfg.Storage.MediaDir,
		MediaURL: cfg.Storage.MediaURL,
		Mirror:   mirror,
	}, log.Named("media"))
	if err != nil {
		return err
	}

	annotator, err := stream.NewAnnotator(cfg.Stream.JPEGQuality)
	if err != nil {
		return err
	}

	svcMgr := service.NewManager(log)
	store := events.NewStore(db, log.Named("events"))
	store.SetEventBus(svcMgr.GetEventBus())

	notifier := alert.NewHTTPNotifier(alert.NotifierConfig{
		Endpoint:  cfg.Alert.Endpoint,
		Recipient: cfg.Alert.Recipient,
		Timeout:   cfg.Alert.Timeout,
	}, log)
	if !notifier.Configured() {
		log.Warn("Notification credentials missing; alerts will be logged as failed")
	}
	dispatcher := alert.NewDispatcher(notifier, alert.DispatcherConfig{
		Workers:   cfg.Alert.Workers,
		QueueSize: cfg.Alert.QueueSize,
	}, log)
	svcMgr.Register(dispatcher)

	upload := pipeline.NewImageDetector(pipeline.ImageDetectorConfig{
		Detector:    model,
		Policy:      cfg.Detection.Upload.Policy("upload"),
		Store:       store,
		Alerts:      dispatcher,
		Results:     results,
		Annotator:   annotator,
		JPEGQuality: cfg.Stream.JPEGQuality,
	}, log.Named("upload"))

	var live web.LiveStreams
	ffmpeg, err := video.NewFFmpegWrapper(cfg.Capture.FFmpegPath)
	if err != nil {
		log.Warn("Live streaming disabled", "error", err)
	} else {
		sessions := pipeline.NewSessionManager(pipeline.SessionManagerConfig{
			Openers: pipeline.NewDeviceFactory(ffmpeg, video.CaptureOptions{
				Input:       cfg.Capture.Device,
				InputFormat: cfg.Capture.InputFormat,
				VideoSize:   cfg.Capture.VideoSize,
				FrameRate:   cfg.Capture.FrameRate,
				Quality:     cfg.Stream.JPEGQuality,
			}, log),
			Detector:         model,
			Policy:           cfg.Detection.Live.Policy("live"),
			Store:            store,
			Alerts:           dispatcher,
			Annotator:        annotator,
			SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		}, log.Named("live"))
		svcMgr.Register(sessions)
		live = sessions
	}

	if cfg.Feed.NATSURL != "" {
		svcMgr.Register(feed.NewPublisher(feed.Config{
			URL:     cfg.Feed.NATSURL,
			Subject: cfg.Feed.Subject,
		}, log))
	}

	healthMgr := health.NewManager(svcMgr, log)
	healthMgr.RegisterChecker(health.NewSystemChecker())
	healthMgr.RegisterChecker(health.NewDatabaseChecker(db))
	healthMgr.RegisterChecker(health.NewModelChecker(health.PingerFunc(model.HealthCheck)))
	healthMgr.RegisterChecker(health.NewMediaChecker(results.Dir(), results.Disk()))

	server := web.NewServer(cfg.Server, web.Dependencies{
		Upload:   upload,
		Live:     live,
		Events:   store,
		Alerts:   dispatcher,
		Devices:  video.DefaultDiscovery(),
		Services: svcMgr,
		Health:   healthMgr,
		MediaDir: results.Dir(),
		MediaURL: cfg.Storage.MediaURL,
	}, log)
	server.SetVersion(version)
	svcMgr.Register(server)

	if err := svcMgr.Start(ctx); err != nil {
		shutdown(svcMgr, cfg.Server.ShutdownTimeout, log)
		return fmt.Errorf("failed to start services: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received shutdown signal", "signal", sig)

	return shutdown(svcMgr, cfg.Server.ShutdownTimeout, log)
}

func shutdown(svcMgr *service.Manager, timeout time.Duration, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := svcMgr.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("Shutdown timed out", "timeout", timeout)
	}
	return err
}
