package ports

import (
	"context"
	"io"

	"speechworker/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing s16le PCM.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig is sent once when a transcription stream opens.
type StreamingConfig struct {
	Encoding       string
	SampleRate     int
	Channels       int
	Language       string
	Model          string
	Punctuation    bool
	InterimResults bool
}

// StreamingSession is one bidirectional transcription stream.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	// CloseSend half-closes the stream; the engine may still deliver results.
	CloseSend() error
	Responses() <-chan domain.RecognitionResponse
	// Wait blocks until the response stream ends and returns its terminal error.
	Wait() error
	Close() error
}

// TranscriptionProvider opens streaming transcription sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// RulesEngine rewrites final transcripts.
type RulesEngine interface {
	Apply(text string) (string, error)
}

// EventSink receives protocol events destined for the host.
type EventSink interface {
	Ready()
	Interim(text string, level *float64)
	Final(text string)
	SessionError(message string)
	Stopped()
}
