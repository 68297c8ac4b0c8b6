// Package feed republishes recorded detection events to NATS for external
// consumers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/vzahanych/firewatch/internal/events"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

// EmbeddedURL makes the publisher run its own NATS server
const EmbeddedURL = "embedded"

// DefaultSubject is used when none is configured
const DefaultSubject = "firewatch.detections"

// Config configures the feed
type Config struct {
	URL          string // NATS URL, or EmbeddedURL
	Subject      string
	EmbeddedHost string
	EmbeddedPort int // -1 picks a free port
}

// Stats are the publisher counters
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Publisher sends every recorded detection as JSON on Subject
type Publisher struct {
	*service.ServiceBase
	cfg       Config
	conn      *nats.Conn
	embedded  *server.Server
	cancel    context.CancelFunc
	running   bool
	mu        sync.Mutex
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher; Start connects
func NewPublisher(cfg Config, log *logger.Logger) *Publisher {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.EmbeddedHost == "" {
		cfg.EmbeddedHost = "127.0.0.1"
	}
	if cfg.EmbeddedPort == 0 {
		cfg.EmbeddedPort = server.DEFAULT_PORT
	}
	return &Publisher{
		ServiceBase: service.NewServiceBase("detection-feed", log),
		cfg:         cfg,
	}
}

// Start connects to NATS and subscribes to the event bus
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	bus := p.GetEventBus()
	if bus == nil {
		return fmt.Errorf("detection feed needs an event bus")
	}

	url := p.cfg.URL
	if url == EmbeddedURL {
		ns, err := startEmbedded(p.cfg.EmbeddedHost, p.cfg.EmbeddedPort)
		if err != nil {
			return err
		}
		p.embedded = ns
		url = ns.ClientURL()
	}

	conn, err := nats.Connect(url,
		nats.Name("firewatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.LogWarn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.LogInfo("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		p.shutdownEmbedded()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p.conn = conn

	subCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	bus.SubscribeWithHandler(subCtx, service.EventTypeDetectionRecorded, p.handle, func(err error) {
		p.failed.Add(1)
		p.LogError("Failed to publish detection", err)
	})
	p.running = true

	p.LogInfo("Detection feed started", "url", url, "subject", p.cfg.Subject, "embedded", p.embedded != nil)
	return nil
}

// Stop flushes pending messages and disconnects
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.cancel()

	var err error
	if p.conn != nil {
		if ferr := p.conn.FlushWithContext(ctx); ferr != nil && p.conn.IsConnected() {
			err = fmt.Errorf("failed to flush NATS: %w", ferr)
		}
		p.conn.Close()
	}
	p.shutdownEmbedded()

	p.LogInfo("Detection feed stopped", "published", p.published.Load(), "failed", p.failed.Load())
	return err
}

// ClientURL returns the URL of the embedded server, empty otherwise
func (p *Publisher) ClientURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.embedded == nil {
		return ""
	}
	return p.embedded.ClientURL()
}

// Stats returns the publisher counters
func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load()}
}

func (p *Publisher) handle(ctx context.Context, ev service.Event) error {
	e, ok := ev.Data.(events.Event)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", e.ID, err)
	}
	if err := p.conn.Publish(p.cfg.Subject, payload); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", e.ID, err)
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) shutdownEmbedded() {
	if p.embedded != nil {
		p.embedded.Shutdown()
		p.embedded = nil
	}
}

func startEmbedded(host string, port int) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}
	return ns, nil
}
