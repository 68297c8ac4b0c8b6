// Package stream fans annotated JPEG frames out to live stream clients.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vzahanych/firewatch/internal/logger"
)

// ErrClosed is returned by Subscribe after the broadcaster is closed
var ErrClosed = errors.New("broadcaster closed")

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 4

// Broadcaster delivers every published frame to every subscriber. A
// subscriber whose queue is full loses its oldest frame; Publish never waits
// on a subscriber.
type Broadcaster struct {
	logger    *logger.Logger
	buffer    int
	subs      map[string]*Subscriber
	closed    bool
	published atomic.Uint64
	mu        sync.RWMutex
}

// Subscriber is one client's view of a broadcaster
type Subscriber struct {
	ID      string
	ch      chan []byte
	b       *Broadcaster
	sent    atomic.Uint64
	dropped atomic.Uint64
	once    sync.Once
}

// SubscriberStats are per-subscriber delivery counters
type SubscriberStats struct {
	ID      string `json:"id"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}

// NewBroadcaster creates a broadcaster with a queue of buffer frames per
// subscriber
func NewBroadcaster(buffer int, log *logger.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		logger: log,
		buffer: buffer,
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	s := &Subscriber{
		ID: uuid.New().String(),
		ch: make(chan []byte, b.buffer),
		b:  b,
	}
	b.subs[s.ID] = s
	b.logger.Debug("Stream subscriber added", "subscriber_id", s.ID, "subscribers", len(b.subs))
	return s, nil
}

// Publish offers frame to every subscriber. The slice is shared, callers must
// not modify it afterwards.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		s.offer(frame)
	}
}

// Len returns the number of subscribers
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns how many frames were published
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Stats returns the counters of every current subscriber
func (b *Broadcaster) Stats() []SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.Stats())
	}
	return out
}

// Close removes every subscriber and closes their queues
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.release()
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	s.release()
	b.logger.Debug("Stream subscriber removed",
		"subscriber_id", s.ID,
		"sent", s.sent.Load(),
		"dropped", s.dropped.Load(),
		"subscribers", len(b.subs),
	)
}

// Frames returns the subscriber queue. It is closed when the subscriber or
// the broadcaster is closed.
func (s *Subscriber) Frames() <-chan []byte {
	return s.ch
}

// Close unregisters the subscriber and releases its queue
func (s *Subscriber) Close() {
	s.b.remove(s)
}

// Stats returns the subscriber counters
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		ID:      s.ID,
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Queued:  len(s.ch),
	}
}

// offer runs with the broadcaster read lock held
func (s *Subscriber) offer(frame []byte) {
	select {
	case s.ch <- frame:
		s.sent.Add(1)
		return
	default:
	}

	// full: evict the oldest frame and retry once
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- frame:
		s.sent.Add(1)
	default:
		s.dropped.Add(1)
	}
}

// release runs with the broadcaster write lock held, so no offer is in flight
func (s *Subscriber) release() {
	s.once.Do(func() {
		close(s.ch)
		for range s.ch {
		}
	})
}
