package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

// Alert is one alert-worthy event waiting for notification
type Alert struct {
	EventID    int64
	Type       detection.Type
	Confidence float64 // percent
	Source     string  // upload or live session id
}

// DispatcherConfig sizes the worker pool and its queue
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// Stats are the dispatcher counters. Dropped and Failed alerts are not retried.
type Stats struct {
	Queued    int    `json:"alerts_queued"`
	Attempted uint64 `json:"alerts_attempted"`
	Delivered uint64 `json:"alerts_delivered"`
	Failed    uint64 `json:"alerts_failed"`
	Dropped   uint64 `json:"alerts_dropped"`
}

// Dispatcher runs notifications off the caller's path. Dispatch never blocks;
// each alert gets at most one attempt. An alert dropped on a full queue or at
// shutdown gets none, although its event stays recorded with alert_sent set;
// Stats.Dropped counts those.
type Dispatcher struct {
	*service.ServiceBase
	notifier Notifier
	cfg      DispatcherConfig
	queue    chan Alert
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopped  atomic.Bool
	gate     sync.RWMutex // orders Dispatch enqueues before the Stop drain
	mu       sync.Mutex

	attempted atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher; Start launches the workers
func NewDispatcher(notifier Notifier, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ServiceBase: service.NewServiceBase("alert-dispatcher", log),
		notifier:    notifier,
		cfg:         cfg,
		queue:       make(chan Alert, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the worker pool
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	if d.stopped.Load() {
		return fmt.Errorf("dispatcher already stopped")
	}
	d.running = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	d.LogInfo("Alert dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
	return nil
}

// Stop cancels in-flight notifications and waits for the workers. Alerts
// still queued are counted as dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate.Lock()
	already := d.stopped.Swap(true)
	d.gate.Unlock()
	if already {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("alert workers did not stop: %w", ctx.Err())
	}
	d.running = false

	for {
		select {
		case a := <-d.queue:
			d.drop(a, "dispatcher stopped")
		default:
			d.LogInfo("Alert dispatcher stopped")
			return nil
		}
	}
}

// Dispatch queues a for notification and reports whether it was accepted. A
// full queue is a notification failure: the alert is counted and logged.
func (d *Dispatcher) Dispatch(a Alert) bool {
	d.gate.RLock()
	defer d.gate.RUnlock()

	if d.stopped.Load() {
		d.drop(a, "dispatcher stopped")
		return false
	}
	select {
	case d.queue <- a:
		return true
	default:
		d.drop(a, "queue full")
		return false
	}
}

// Stats returns a snapshot of the counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		Attempted: d.attempted.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Dispatcher) drop(a Alert, reason string) {
	d.dropped.Add(1)
	err := fmt.Errorf("%w: %s", ErrNotification, reason)
	d.LogError("Alert dropped", err, "event_id", a.EventID, "type", a.Type, "confidence", a.Confidence)
	d.PublishEvent(service.EventTypeAlertFailed, a)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case a := <-d.queue:
			if d.ctx.Err() != nil {
				d.drop(a, "dispatcher stopped")
				return
			}
			d.send(a)
		}
	}
}

func (d *Dispatcher) send(a Alert) {
	res := d.notifier.Notify(d.ctx, a.Type, a.Confidence)
	if res.Attempted {
		d.attempted.Add(1)
	}
	if res.Delivered {
		d.delivered.Add(1)
		d.LogInfo("Alert delivered", "event_id", a.EventID, "type", a.Type, "confidence", a.Confidence)
		d.PublishEvent(service.EventTypeAlertDelivered, a)
		return
	}

	d.failed.Add(1)
	err := res.Err
	if err == nil {
		err = ErrNotification
	}
	d.LogError("Alert notification failed", err,
		"event_id", a.EventID,
		"type", a.Type,
		"confidence", a.Confidence,
		"attempted", res.Attempted,
	)
	d.PublishEvent(service.EventTypeAlertFailed, a)
}
