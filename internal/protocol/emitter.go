package protocol

import (
	"io"
	"math"
	"sync"

	"github.com/charmbracelet/log"
)

const unknownErrorMessage = "unknown error"

// Emitter writes events to the host, one line per event. It is safe for
// concurrent use; each event is written with a single Write call.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	logger  *log.Logger
	observe func(EventType)
}

func NewEmitter(w io.Writer, logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Emitter{w: w, logger: logger}
}

// OnEmit registers a callback invoked after every successful write.
func (e *Emitter) OnEmit(fn func(EventType)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observe = fn
}

// Emit encodes and writes a single event.
func (e *Emitter) Emit(event Event) error {
	line, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return err
	}
	if e.observe != nil {
		e.observe(event.Type)
	}
	return nil
}

func (e *Emitter) Ready() {
	e.emit(Event{Type: EventReady})
}

// Interim emits a partial transcript. level is omitted when nil.
func (e *Emitter) Interim(text string, level *float64) {
	event := Event{Type: EventInterim, Text: text}
	if level != nil {
		rounded := math.Round(*level*1000) / 1000
		event.AudioLevel = &rounded
	}
	e.emit(event)
}

func (e *Emitter) Final(text string) {
	e.emit(Event{Type: EventFinal, Text: text})
}

func (e *Emitter) SessionError(message string) {
	if message == "" {
		message = unknownErrorMessage
	}
	e.emit(Event{Type: EventError, Message: message})
}

func (e *Emitter) Stopped() {
	e.emit(Event{Type: EventStopped})
}

func (e *Emitter) emit(event Event) {
	if err := e.Emit(event); err != nil {
		e.logger.Error("failed to write event", "type", event.Type, "err", err)
	}
}
