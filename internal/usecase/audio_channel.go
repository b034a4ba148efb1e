package usecase

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAudioClosed  = errors.New("audio channel closed")
	ErrAudioFull    = errors.New("audio channel full")
	ErrAudioTimeout = errors.New("no audio within poll interval")
)

// AudioChannel hands PCM chunks from a producer (host audio commands or the
// microphone pump) to the request feeder of exactly one session. It is never
// reused across sessions.
type AudioChannel struct {
	stop   context.Context
	chunks chan []byte
	closed chan struct{}

	mu        sync.Mutex
	isClosed  bool
	closeOnce sync.Once
}

// NewAudioChannel returns a channel holding up to capacity chunks. Pushes are
// rejected once stop is cancelled.
func NewAudioChannel(stop context.Context, capacity int) *AudioChannel {
	if capacity <= 0 {
		capacity = 1
	}
	return &AudioChannel{
		stop:   stop,
		chunks: make(chan []byte, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues a copy of chunk without blocking.
func (c *AudioChannel) Push(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed || c.stop.Err() != nil {
		return ErrAudioClosed
	}
	if len(chunk) == 0 {
		return nil
	}
	select {
	case c.chunks <- append([]byte(nil), chunk...):
		return nil
	default:
		return ErrAudioFull
	}
}

// Close enqueues the end-of-stream sentinel. Chunks pushed before Close are
// still delivered by Next.
func (c *AudioChannel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		c.mu.Unlock()
		close(c.closed)
	})
}

// Next waits up to timeout for the next chunk. It returns ErrAudioTimeout when
// nothing arrived and ErrAudioClosed once the sentinel is reached.
func (c *AudioChannel) Next(timeout time.Duration) ([]byte, error) {
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-c.closed:
		// Push holds mu while sending, and no push succeeds after isClosed,
		// so whatever is buffered now is everything ahead of the sentinel.
		select {
		case chunk := <-c.chunks:
			return chunk, nil
		default:
			return nil, ErrAudioClosed
		}
	case <-timer.C:
		return nil, ErrAudioTimeout
	}
}
