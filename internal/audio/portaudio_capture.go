//go:build portaudio

package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"speechworker/internal/ports"
)

// PortAudioCapture records the default input device through PortAudio.
type PortAudioCapture struct {
	framesPerBuffer int
	logger          *log.Logger
}

// NewPortAudioCapture returns a capture reading framesPerBuffer frames per
// device read. PortAudio itself is initialised per session.
func NewPortAudioCapture(framesPerBuffer int, logger *log.Logger) (*PortAudioCapture, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1600
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &PortAudioCapture{framesPerBuffer: framesPerBuffer, logger: logger}, nil
}

func (c *PortAudioCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withCaptureDefaults(cfg)

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	in := make([]int16, c.framesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), c.framesPerBuffer, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	c.logger.Debug("microphone open", "backend", "portaudio", "rate", cfg.SampleRate, "channels", cfg.Channels)
	session := &portaudioSession{stream: stream, in: in, stopped: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Stop()
		case <-session.stopped:
		}
	}()
	return session, nil
}

type portaudioSession struct {
	readMu  sync.Mutex
	stream  *portaudio.Stream
	in      []int16
	pending []byte

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

// Read fills p with s16le PCM, blocking on the device for the next buffer
// when nothing is pending.
func (s *portaudioSession) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.pending) == 0 {
		select {
		case <-s.stopped:
			return 0, io.EOF
		default:
		}
		if err := s.stream.Read(); err != nil {
			select {
			case <-s.stopped:
				return 0, io.EOF
			default:
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				return 0, nil
			}
			return 0, fmt.Errorf("read input stream: %w", err)
		}
		s.pending = make([]byte, len(s.in)*2)
		for i, sample := range s.in {
			binary.LittleEndian.PutUint16(s.pending[i*2:], uint16(sample))
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *portaudioSession) Close() error {
	return s.Stop()
}

func (s *portaudioSession) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if err := s.stream.Stop(); err != nil {
			s.stopErr = err
		}
		if err := s.stream.Close(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
	})
	return s.stopErr
}
