package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"speechworker/internal/domain"
	"speechworker/internal/metrics"
	"speechworker/internal/ports"
)

const (
	defaultJoinTimeout  = 5 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	defaultQueueSize    = 256
)

// Config controls session behavior. It is fixed at construction.
type Config struct {
	DefaultLanguage string
	Streaming       ports.StreamingConfig
	Audio           ports.AudioConfig
	// ChunkSize is the microphone read size in bytes.
	ChunkSize    int
	QueueSize    int
	PollInterval time.Duration
	JoinTimeout  time.Duration
}

// SessionController owns the single session slot. Start, FeedAudio, Stop and
// Close are meant to be called from one command loop.
type SessionController struct {
	provider ports.TranscriptionProvider
	capture  ports.AudioCapture
	rules    ports.RulesEngine
	events   ports.EventSink
	metrics  *metrics.Metrics
	logger   *log.Logger
	cfg      Config

	mu      sync.Mutex
	current *activeSession
	closed  bool
}

// NewSessionController wires a controller. capture is nil when audio arrives
// from the host through audio commands.
func NewSessionController(
	provider ports.TranscriptionProvider,
	capture ports.AudioCapture,
	rules ports.RulesEngine,
	events ports.EventSink,
	m *metrics.Metrics,
	logger *log.Logger,
	cfg Config,
) *SessionController {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en-US"
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &SessionController{
		provider: provider,
		capture:  capture,
		rules:    rules,
		events:   events,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start stops any current session, emitting stopped for it, then launches a
// new session and returns without waiting for transcripts.
func (c *SessionController) Start(ctx context.Context, language string) error {
	language = strings.TrimSpace(language)
	if language == "" {
		language = c.cfg.DefaultLanguage
	}

	previous, err := c.takeCurrent()
	if err != nil {
		return err
	}
	if previous != nil {
		c.logger.Info("restarting session", "previous", previous.id)
		c.stopSession(previous)
		c.events.Stopped()
	}

	runCtx, abort := context.WithCancel(ctx)
	stopCtx, requestStop := context.WithCancel(runCtx)
	active := &activeSession{
		id:          uuid.NewString(),
		language:    language,
		audio:       NewAudioChannel(stopCtx, c.cfg.QueueSize),
		gate:        &eventGate{},
		stopCtx:     stopCtx,
		requestStop: requestStop,
		abort:       abort,
		done:        make(chan struct{}),
		state:       domain.SessionStateActive,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		abort()
		return ErrControllerClosed
	}
	c.current = active
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.logger.Info("session started", "session", active.id, "language", language)
	go c.runSession(runCtx, active)
	return nil
}

// FeedAudio forwards host PCM to the current session. Audio without a live
// session, after stop, or while the microphone is the source is dropped.
func (c *SessionController) FeedAudio(chunk []byte) {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()

	if active == nil {
		c.dropAudio("no_session", "no active session", len(chunk))
		return
	}
	if c.capture != nil {
		c.dropAudio("microphone", "microphone is the audio source", len(chunk))
		return
	}
	if err := active.audio.Push(chunk); err != nil {
		reason := "closed"
		if errors.Is(err, ErrAudioFull) {
			reason = "full"
		}
		c.dropAudio(reason, err.Error(), len(chunk))
	}
}

// Stop ends the current session, if any, and always emits stopped.
func (c *SessionController) Stop() {
	active, _ := c.takeCurrent()
	if active != nil {
		c.stopSession(active)
	}
	c.events.Stopped()
}

// Close stops the current session without emitting stopped and rejects
// further starts.
func (c *SessionController) Close() {
	c.mu.Lock()
	active := c.current
	c.current = nil
	c.closed = true
	c.mu.Unlock()

	if active != nil {
		c.stopSession(active)
	}
}

// Status reports the session slot.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.Status{State: domain.SessionStateIdle}
	}
	return domain.Status{
		State:     c.current.getState(),
		SessionID: c.current.id,
		Language:  c.current.language,
	}
}

func (c *SessionController) takeCurrent() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrControllerClosed
	}
	active := c.current
	c.current = nil
	return active, nil
}

func (c *SessionController) runSession(runCtx context.Context, active *activeSession) {
	defer close(active.done)
	defer active.abort()

	logger := c.logger.With("session", active.id)
	p := &pipeline{
		provider: c.provider,
		capture:  c.capture,
		rules:    c.rules,
		events:   c.events,
		cfg:      c.cfg,
		logger:   logger,
	}

	err := p.run(runCtx, active)
	active.setState(domain.SessionStateIdle)
	if err == nil {
		logger.Debug("pipeline finished")
		return
	}

	kind := failureKind(err)
	c.metrics.SessionFailed(string(kind))
	logger.Error("session failed", "kind", kind, "err", err)
	active.gate.emit(func() { c.events.SessionError(err.Error()) })
}

// stopSession signals cancellation, waits a bounded time for the pipeline,
// and shuts the session's event gate. A pipeline that misses the deadline is
// abandoned with its run context cancelled.
func (c *SessionController) stopSession(active *activeSession) {
	active.setState(domain.SessionStateTerminating)
	active.requestStop()
	active.audio.Close()

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-active.done:
	case <-timer.C:
		c.metrics.JoinTimedOut()
		c.logger.Warn("session did not stop in time; abandoning it", "session", active.id, "timeout", c.cfg.JoinTimeout)
		active.abort()
	}

	active.gate.close()
	active.setState(domain.SessionStateIdle)
	c.metrics.SessionEnded()
	c.logger.Info("session stopped", "session", active.id)
}

func (c *SessionController) dropAudio(reason string, detail string, size int) {
	c.metrics.AudioDropped(reason)
	c.logger.Debug("dropping audio", "reason", detail, "bytes", size)
}
