package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"speechworker/internal/domain"
	"speechworker/internal/ports"
)

func testConfig() Config {
	return Config{
		DefaultLanguage: "en-US",
		Streaming: ports.StreamingConfig{
			Encoding:       "LINEAR16",
			SampleRate:     16000,
			Channels:       1,
			Model:          "latest_long",
			Punctuation:    true,
			InterimResults: true,
		},
		Audio:        ports.AudioConfig{SampleRate: 16000, Channels: 1},
		ChunkSize:    4,
		QueueSize:    16,
		PollInterval: 10 * time.Millisecond,
		JoinTimeout:  time.Second,
	}
}

func finalResponse(text string) domain.RecognitionResponse {
	return domain.RecognitionResponse{Results: []domain.RecognitionResult{{
		IsFinal:      true,
		Alternatives: []domain.Alternative{{Transcript: text, Confidence: 0.9}},
	}}}
}

func interimResponse(parts ...string) domain.RecognitionResponse {
	response := domain.RecognitionResponse{}
	for _, part := range parts {
		response.Results = append(response.Results, domain.RecognitionResult{
			Alternatives: []domain.Alternative{{Transcript: part}},
		})
	}
	return response
}

type fakeProvider struct {
	mu      sync.Mutex
	streams []*fakeStream
	configs []ports.StreamingConfig
	err     error
}

func (f *fakeProvider) StartStreaming(_ context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.configs) > len(f.streams) {
		return nil, errors.New("no stream configured")
	}
	return f.streams[len(f.configs)-1], nil
}

func (f *fakeProvider) languages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.configs))
	for _, cfg := range f.configs {
		out = append(out, cfg.Language)
	}
	return out
}

// fakeStream finishes when the feeder half-closes it unless holdOpen is set.
type fakeStream struct {
	mu        sync.Mutex
	responses chan domain.RecognitionResponse
	sent      [][]byte
	sendErr   error
	waitErr   error
	flush     []domain.RecognitionResponse
	holdOpen  bool
	finished  bool

	closeSendCalls int
	closeCalls     int
}

func newFakeStream() *fakeStream {
	return &fakeStream{responses: make(chan domain.RecognitionResponse, 32)}
}

func (f *fakeStream) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSendCalls++
	if f.holdOpen || f.finished {
		return nil
	}
	for _, response := range f.flush {
		f.responses <- response
	}
	f.finishLocked(nil)
	return nil
}

func (f *fakeStream) Responses() <-chan domain.RecognitionResponse { return f.responses }

func (f *fakeStream) Wait() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.finishLocked(nil)
	return nil
}

func (f *fakeStream) emit(response domain.RecognitionResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.responses <- response
}

func (f *fakeStream) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(err)
}

func (f *fakeStream) finishLocked(err error) {
	if f.finished {
		return
	}
	if err != nil {
		f.waitErr = err
	}
	f.finished = true
	close(f.responses)
}

func (f *fakeStream) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeStream) calls() (closeSend int, closeAll int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeSendCalls, f.closeCalls
}

type fakeCapture struct {
	mu    sync.Mutex
	mic   *fakeMic
	err   error
	calls int
}

func (f *fakeCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.mic, nil
}

// fakeMic serves its chunks and then blocks until stopped, or reports EOF
// right away when endAfterChunks is set.
type fakeMic struct {
	mu             sync.Mutex
	chunks         [][]byte
	endAfterChunks bool
	readErr        error
	stopped        chan struct{}
	stopOnce       sync.Once
	stopCalls      int
}

func newFakeMic(chunks ...[]byte) *fakeMic {
	return &fakeMic{chunks: chunks, stopped: make(chan struct{})}
}

func (f *fakeMic) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.chunks) > 0 {
		n := copy(p, f.chunks[0])
		f.chunks[0] = f.chunks[0][n:]
		if len(f.chunks[0]) == 0 {
			f.chunks = f.chunks[1:]
		}
		f.mu.Unlock()
		return n, nil
	}
	end, readErr := f.endAfterChunks, f.readErr
	f.mu.Unlock()

	if readErr != nil {
		return 0, readErr
	}
	if end {
		return 0, io.EOF
	}
	<-f.stopped
	return 0, io.EOF
}

func (f *fakeMic) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeMic) Close() error { return f.Stop() }

func (f *fakeMic) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeRules struct {
	err error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return strings.ToUpper(text) + " ", nil
}

type recordedEvent struct {
	kind    string
	text    string
	level   *float64
	message string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) record(event recordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEvents) Ready() { f.record(recordedEvent{kind: "ready"}) }

func (f *fakeEvents) Interim(text string, level *float64) {
	f.record(recordedEvent{kind: "interim", text: text, level: level})
}

func (f *fakeEvents) Final(text string) { f.record(recordedEvent{kind: "final", text: text}) }

func (f *fakeEvents) SessionError(message string) {
	f.record(recordedEvent{kind: "error", message: message})
}

func (f *fakeEvents) Stopped() { f.record(recordedEvent{kind: "stopped"}) }

func (f *fakeEvents) snapshot() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeEvents) kinds() []string {
	events := f.snapshot()
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.kind)
	}
	return out
}

func (f *fakeEvents) count(kind string) int {
	n := 0
	for _, event := range f.snapshot() {
		if event.kind == kind {
			n++
		}
	}
	return n
}
