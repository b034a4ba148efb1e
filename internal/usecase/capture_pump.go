package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"speechworker/internal/audio"
	"speechworker/internal/ports"
)

// pumpCapture copies microphone PCM into the session's audio channel until the
// session is stopped or the device fails. The channel is closed on return.
func pumpCapture(
	stop context.Context,
	source ports.AudioSession,
	channel *AudioChannel,
	meter *audio.LevelMeter,
	chunkSize int,
	logger *log.Logger,
) error {
	defer channel.Close()

	// A blocked Read only returns once the device is stopped.
	released := make(chan struct{})
	defer close(released)
	go func() {
		select {
		case <-stop.Done():
			_ = source.Stop()
		case <-released:
		}
	}()

	if chunkSize <= 0 {
		chunkSize = 3200
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(source, buf)
		if n > 0 {
			chunk := buf[:n]
			if meter != nil {
				meter.Observe(chunk)
			}
			switch pushErr := channel.Push(chunk); {
			case errors.Is(pushErr, ErrAudioFull):
				logger.Warn("dropping microphone chunk", "bytes", n, "err", pushErr)
			case pushErr != nil:
				logger.Debug("dropping microphone chunk", "bytes", n, "err", pushErr)
			}
		}
		switch {
		case err == nil:
			continue
		case stop.Err() != nil:
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return deviceFailure(errors.New("audio capture ended unexpectedly"))
		default:
			return deviceFailure(fmt.Errorf("audio capture error: %w", err))
		}
	}
}
