// Package worker reads host commands from the input stream and dispatches
// them to the session controller.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"speechworker/internal/metrics"
	"speechworker/internal/protocol"
)

const maxLoggedLine = 120

// Controller is the session surface the loop drives.
type Controller interface {
	Start(ctx context.Context, language string) error
	FeedAudio(chunk []byte)
	Stop()
	Close()
}

// Announcer emits the startup event.
type Announcer interface {
	Ready()
}

type Loop struct {
	controller Controller
	announcer  Announcer
	metrics    *metrics.Metrics
	logger     *log.Logger
}

func NewLoop(controller Controller, announcer Announcer, m *metrics.Metrics, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Loop{controller: controller, announcer: announcer, metrics: m, logger: logger}
}

// Run emits ready and processes commands until input ends. Commands are
// handled one at a time in arrival order. On return the controller has been
// closed without a stopped event.
func (l *Loop) Run(ctx context.Context, input io.Reader) error {
	defer l.controller.Close()

	l.announcer.Ready()
	l.logger.Info("ready for commands")

	reader := bufio.NewReader(input)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			l.handle(ctx, line)
		}
		if errors.Is(err, io.EOF) {
			l.logger.Info("input closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}
	}
}

func (l *Loop) handle(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		l.metrics.CommandMalformed()
		l.logger.Warn("ignoring malformed command", "err", err, "line", truncate(line))
		return
	}

	switch cmd.Type {
	case protocol.CommandStart:
		l.metrics.CommandReceived(string(cmd.Type))
		if err := l.controller.Start(ctx, cmd.Language); err != nil {
			l.logger.Error("could not start session", "err", err)
		}
	case protocol.CommandAudio:
		l.metrics.CommandReceived(string(cmd.Type))
		chunk, err := cmd.Audio()
		if err != nil {
			l.metrics.CommandMalformed()
			l.logger.Warn("ignoring audio command", "err", err)
			return
		}
		l.controller.FeedAudio(chunk)
	case protocol.CommandStop:
		l.metrics.CommandReceived(string(cmd.Type))
		l.controller.Stop()
	default:
		l.metrics.CommandReceived("unknown")
		l.logger.Warn("ignoring unknown command", "type", cmd.Type)
	}
}

func truncate(line []byte) string {
	if len(line) <= maxLoggedLine {
		return string(line)
	}
	return string(line[:maxLoggedLine]) + "..."
}
