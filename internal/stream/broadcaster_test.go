package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/logger"
)

func setupTestBroadcaster(t *testing.T, buffer int) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(buffer, logger.NewNopLogger())
	t.Cleanup(b.Close)
	return b
}

func frameN(i int) []byte {
	return []byte(fmt.Sprintf("frame-%d", i))
}

func TestBroadcaster_DeliversToEverySubscriber(t *testing.T) {
	b := setupTestBroadcaster(t, 4)
	s1, err := b.Subscribe()
	require.NoError(t, err)
	s2, err := b.Subscribe()
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 2, b.Len())

	b.Publish(frameN(1))
	b.Publish(frameN(2))

	for _, s := range []*Subscriber{s1, s2} {
		assert.Equal(t, frameN(1), <-s.Frames())
		assert.Equal(t, frameN(2), <-s.Frames())
		assert.Equal(t, uint64(2), s.Stats().Sent)
	}
	assert.Equal(t, uint64(2), b.Published())
}

func TestBroadcaster_DropsOldestForSlowSubscriber(t *testing.T) {
	b := setupTestBroadcaster(t, 3)
	slow, err := b.Subscribe()
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		b.Publish(frameN(i))
	}

	st := slow.Stats()
	assert.Equal(t, uint64(7), st.Dropped)
	assert.Equal(t, 3, st.Queued)

	// the queue holds the most recent frames, oldest first
	assert.Equal(t, frameN(8), <-slow.Frames())
	assert.Equal(t, frameN(9), <-slow.Frames())
	assert.Equal(t, frameN(10), <-slow.Frames())
}

func TestBroadcaster_SlowSubscriberDoesNotDelayOthers(t *testing.T) {
	b := setupTestBroadcaster(t, 2)
	slow, err := b.Subscribe()
	require.NoError(t, err)
	fast, err := b.Subscribe()
	require.NoError(t, err)

	const frames = 200
	received := make(chan int, 1)
	go func() {
		n := 0
		for range fast.Frames() {
			n++
			if n == frames {
				break
			}
		}
		received <- n
	}()

	start := time.Now()
	for i := 0; i < frames; i++ {
		b.Publish(frameN(i))
		// keep the fast reader ahead of the queue
		require.Eventually(t, func() bool { return len(fast.Frames()) == 0 }, time.Second, 100*time.Microsecond)
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case n := <-received:
		assert.Equal(t, frames, n)
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber stalled")
	}
	assert.Zero(t, fast.Stats().Dropped)
	assert.Equal(t, uint64(frames-2), slow.Stats().Dropped)
}

func TestBroadcaster_SubscriberCloseReleasesQueue(t *testing.T) {
	b := setupTestBroadcaster(t, 4)
	gone, err := b.Subscribe()
	require.NoError(t, err)
	stay, err := b.Subscribe()
	require.NoError(t, err)

	b.Publish(frameN(1))
	gone.Close()
	gone.Close()

	assert.Equal(t, 1, b.Len())
	_, ok := <-gone.Frames()
	assert.False(t, ok, "queue is closed and drained")

	b.Publish(frameN(2))
	assert.Equal(t, frameN(1), <-stay.Frames())
	assert.Equal(t, frameN(2), <-stay.Frames())
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(2, logger.NewNopLogger())
	s, err := b.Subscribe()
	require.NoError(t, err)

	b.Close()
	b.Close()

	_, ok := <-s.Frames()
	assert.False(t, ok)
	assert.Zero(t, b.Len())
	s.Close()

	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
	b.Publish(frameN(1))
	assert.Zero(t, b.Published())
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := setupTestBroadcaster(t, 2)

	stop := make(chan struct{})
	var pub sync.WaitGroup
	pub.Add(1)
	go func() {
		defer pub.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				b.Publish(frameN(i))
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := b.Subscribe()
			if !assert.NoError(t, err) {
				return
			}
			<-s.Frames()
			s.Close()
		}()
	}
	wg.Wait()
	close(stop)
	pub.Wait()
	assert.Zero(t, b.Len())
}

func TestBroadcaster_Stats(t *testing.T) {
	b := setupTestBroadcaster(t, 1)
	s, err := b.Subscribe()
	require.NoError(t, err)
	b.Publish(frameN(1))
	b.Publish(frameN(2))

	stats := b.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, SubscriberStats{ID: s.ID, Sent: 2, Dropped: 1, Queued: 1}, stats[0])
}
