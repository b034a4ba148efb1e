// Package protocol implements the line-delimited JSON protocol spoken with
// the host process: one command per stdin line, one event per stdout line.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingType  = errors.New("command has no type")
	ErrMissingAudio = errors.New("audio command has no data")
)

// CommandType identifies a host-to-worker command.
type CommandType string

const (
	CommandStart CommandType = "start"
	CommandAudio CommandType = "audio"
	CommandStop  CommandType = "stop"
)

// EventType identifies a worker-to-host event.
type EventType string

const (
	EventReady   EventType = "ready"
	EventInterim EventType = "interim"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
	EventStopped EventType = "stopped"
)

// Command is a decoded host command. Fields not used by Type are empty.
type Command struct {
	Type     CommandType `json:"type"`
	Language string      `json:"language,omitempty"`
	Data     string      `json:"data,omitempty"`
}

// DecodeCommand parses one input line.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(bytes.TrimSpace(line), &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command json: %w", err)
	}
	cmd.Type = CommandType(strings.ToLower(strings.TrimSpace(string(cmd.Type))))
	if cmd.Type == "" {
		return Command{}, ErrMissingType
	}
	return cmd, nil
}

// Audio decodes the base64 PCM payload of an audio command.
func (c Command) Audio() ([]byte, error) {
	if c.Data == "" {
		return nil, ErrMissingAudio
	}
	pcm, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid audio payload: %w", err)
	}
	return pcm, nil
}

// Event is one outbound record.
type Event struct {
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	AudioLevel *float64  `json:"audio_level,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// EncodeEvent renders an event as a single newline-terminated JSON line.
func EncodeEvent(event Event) ([]byte, error) {
	if event.Type == "" {
		return nil, errors.New("event has no type")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return append(data, '\n'), nil
}
