//go:build !portaudio

package audio

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"speechworker/internal/ports"
)

// ErrPortAudioUnavailable is returned when the binary was built without the
// portaudio tag.
var ErrPortAudioUnavailable = errors.New("portaudio capture not compiled in; rebuild with -tags portaudio")

// PortAudioCapture is unavailable in this build.
type PortAudioCapture struct{}

func NewPortAudioCapture(_ int, _ *log.Logger) (*PortAudioCapture, error) {
	return nil, ErrPortAudioUnavailable
}

func (c *PortAudioCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	return nil, ErrPortAudioUnavailable
}
