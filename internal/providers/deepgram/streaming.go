package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"speechworker/internal/domain"
	"speechworker/internal/ports"
)

const (
	defaultAPIBaseURL = "https://api.deepgram.com/v1"
	defaultModel      = "nova-2"
)

// Config controls Deepgram websocket settings. Model is a Deepgram model name
// and defaults to nova-2; the streaming config's model is not used.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	SmartFormat bool
}

// Provider implements ports.TranscriptionProvider for Deepgram live streaming.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *log.Logger
}

func NewProvider(cfg Config, logger *log.Logger) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Provider{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect to deepgram: %s", resp.Status)
		}
		return nil, fmt.Errorf("connect to deepgram: %w", err)
	}
	p.logger.Debug("deepgram stream open", "language", cfg.Language)

	session := &streamingSession{
		conn:       conn,
		responses:  make(chan domain.RecognitionResponse, 16),
		audio:      make(chan []byte, 32),
		writerDone: make(chan struct{}),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.responses)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

type streamingSession struct {
	conn *websocket.Conn

	responses  chan domain.RecognitionResponse
	audio      chan []byte
	writerDone chan struct{}
	// quit is closed by Close; done once both loops have exited.
	quit chan struct{}
	done chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return io.EOF
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.quit:
		return io.EOF
	case <-s.writerDone:
		if err := s.waitErr(); err != nil {
			return err
		}
		return io.EOF
	}
}

// CloseSend stops accepting audio; the write loop then asks Deepgram to
// flush with a CloseStream message.
func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *streamingSession) Responses() <-chan domain.RecognitionResponse {
	return s.responses
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) closing() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil || s.closing() {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()
	defer close(s.writerDone)

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(fmt.Errorf("send audio to deepgram: %w", err))
			return
		}
	}
	if s.closing() {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("close deepgram stream: %w", err))
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	// unblock a writer that is still waiting for audio
	defer func() { _ = s.CloseSend() }()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("read deepgram message: %w", err))
			return
		}

		var message deepgramMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			continue
		}

		switch {
		case strings.EqualFold(message.Type, "Error"):
			s.setErr(errors.New(message.errorText()))
			return
		case message.Type != "" && !strings.EqualFold(message.Type, "Results"):
			continue
		}

		response, ok := message.toDomain()
		if !ok {
			continue
		}
		select {
		case s.responses <- response:
		case <-s.quit:
			return
		}
	}
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float32 `json:"confidence"`
}

type deepgramMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
}

func (m deepgramMessage) errorText() string {
	for _, text := range []string{m.Description, m.Message} {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return "deepgram returned an unknown error"
}

// toDomain reports false when no alternative carries any text.
func (m deepgramMessage) toDomain() (domain.RecognitionResponse, bool) {
	result := domain.RecognitionResult{IsFinal: m.IsFinal || m.SpeechFinal}
	spoken := false
	for _, alternative := range m.Channel.Alternatives {
		if strings.TrimSpace(alternative.Transcript) != "" {
			spoken = true
		}
		result.Alternatives = append(result.Alternatives, domain.Alternative{
			Transcript: alternative.Transcript,
			Confidence: alternative.Confidence,
		})
	}
	if !spoken {
		return domain.RecognitionResponse{}, false
	}
	return domain.RecognitionResponse{Results: []domain.RecognitionResult{result}}, true
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = defaultAPIBaseURL
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram API base URL: %w", err)
	}

	encoding := strings.ToLower(strings.TrimSpace(streamCfg.Encoding))
	if encoding == "" {
		encoding = "linear16"
	}
	sampleRate := streamCfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := streamCfg.Channels
	if channels <= 0 {
		channels = 1
	}
	model := providerCfg.Model
	if model == "" {
		model = defaultModel
	}

	query := listenURL.Query()
	query.Set("model", model)
	query.Set("encoding", encoding)
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("channels", strconv.Itoa(channels))
	query.Set("punctuate", strconv.FormatBool(streamCfg.Punctuation))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	if streamCfg.Language != "" {
		query.Set("language", streamCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
