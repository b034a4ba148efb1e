package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/charmbracelet/log"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"speechworker/internal/domain"
	"speechworker/internal/ports"
)

// Config selects the Cloud project and, optionally, a non-default endpoint or
// credentials file.
type Config struct {
	Project         string
	Endpoint        string
	CredentialsFile string
}

type recognizeClient interface {
	StreamingRecognize(ctx context.Context, opts ...gax.CallOption) (speechpb.Speech_StreamingRecognizeClient, error)
}

// Provider implements ports.TranscriptionProvider with Cloud Speech-to-Text
// streaming recognition.
type Provider struct {
	client recognizeClient
	closer io.Closer
	logger *log.Logger
}

// NewProvider dials the Speech API once; every session reuses the connection.
func NewProvider(ctx context.Context, cfg Config, logger *log.Logger) (*Provider, error) {
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, errors.New("google cloud project is not configured")
	}

	opts := []option.ClientOption{option.WithQuotaProject(cfg.Project)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return newProvider(client, client, logger), nil
}

func newProvider(client recognizeClient, closer io.Closer, logger *log.Logger) *Provider {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Provider{client: client, closer: closer, logger: logger}
}

// Close releases the underlying connection.
func (p *Provider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	request, err := configRequest(cfg)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := p.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open recognize stream: %w", err)
	}
	if err := stream.Send(request); err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", describe(err))
	}

	session := &streamingSession{
		ctx:       streamCtx,
		cancel:    cancel,
		stream:    stream,
		responses: make(chan domain.RecognitionResponse, 16),
		done:      make(chan struct{}),
		logger:    p.logger,
	}
	go session.readLoop()
	return session, nil
}

func configRequest(cfg ports.StreamingConfig) (*speechpb.StreamingRecognizeRequest, error) {
	encodingName := strings.ToUpper(strings.TrimSpace(cfg.Encoding))
	if encodingName == "" {
		encodingName = "LINEAR16"
	}
	encoding, ok := speechpb.RecognitionConfig_AudioEncoding_value[encodingName]
	if !ok {
		return nil, fmt.Errorf("unsupported audio encoding %q", cfg.Encoding)
	}

	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_AudioEncoding(encoding),
					SampleRateHertz:            int32(cfg.SampleRate),
					AudioChannelCount:          int32(cfg.Channels),
					LanguageCode:               cfg.Language,
					Model:                      cfg.Model,
					EnableAutomaticPunctuation: cfg.Punctuation,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}, nil
}

type streamingSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream speechpb.Speech_StreamingRecognizeClient
	logger *log.Logger

	responses chan domain.RecognitionResponse
	done      chan struct{}

	errMu sync.Mutex
	err   error

	sendMu     sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return io.EOF
	}
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
}

func (s *streamingSession) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.stream.CloseSend()
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
		_ = s.CloseSend()
		s.cancel()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) readLoop() {
	defer close(s.done)
	defer close(s.responses)

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("recognize stream ended")
			return
		}
		if err != nil {
			if s.ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			s.setErr(describe(err))
			return
		}
		if err := status.ErrorProto(resp.GetError()); err != nil {
			s.setErr(describe(err))
			return
		}

		response := toDomain(resp)
		if len(response.Results) == 0 {
			continue
		}
		select {
		case s.responses <- response:
		case <-s.ctx.Done():
			return
		}
	}
}

// describe flattens a gRPC status into "<Code>: <message>".
func describe(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return fmt.Errorf("%s: %s", st.Code(), st.Message())
}

func toDomain(resp *speechpb.StreamingRecognizeResponse) domain.RecognitionResponse {
	var out domain.RecognitionResponse
	for _, result := range resp.GetResults() {
		converted := domain.RecognitionResult{IsFinal: result.GetIsFinal()}
		for _, alternative := range result.GetAlternatives() {
			converted.Alternatives = append(converted.Alternatives, domain.Alternative{
				Transcript: alternative.GetTranscript(),
				Confidence: alternative.GetConfidence(),
			})
		}
		out.Results = append(out.Results, converted)
	}
	return out
}
