package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"speechworker/internal/audio"
	"speechworker/internal/config"
	"speechworker/internal/metrics"
	"speechworker/internal/ports"
	"speechworker/internal/protocol"
	"speechworker/internal/providers/deepgram"
	"speechworker/internal/providers/google"
	"speechworker/internal/rules"
	"speechworker/internal/usecase"
)

// Options carries process-level collaborators into Build.
type Options struct {
	// Output receives protocol events, normally stdout.
	Output  io.Writer
	Logger  *log.Logger
	Metrics *metrics.Metrics
	// ResolveProject finds the Cloud project for the google engine.
	ResolveProject func(ctx context.Context, configured string) (string, error)
}

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Emitter    *protocol.Emitter
	Config     config.Config

	closers []io.Closer
}

// Close releases engine clients.
func (s Services) Close() error {
	var errs []error
	for _, closer := range s.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// Build wires all worker dependencies for cfg.
func Build(ctx context.Context, cfg config.Config, opts Options) (Services, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.Output == nil {
		return Services{}, errors.New("bootstrap: no output writer")
	}

	emitter := protocol.NewEmitter(opts.Output, logger.WithPrefix("protocol"))
	emitter.OnEmit(func(kind protocol.EventType) { opts.Metrics.EventEmitted(string(kind)) })

	rulesEngine, err := rules.Load(cfg.Rules.Path, cfg.Rules.IterationLimit)
	if err != nil {
		return Services{}, err
	}
	if rulesEngine.Len() > 0 {
		logger.Info("loaded substitution rules", "path", cfg.Rules.Path, "count", rulesEngine.Len())
	}

	capture, err := buildCapture(cfg, logger.WithPrefix("capture"))
	if err != nil {
		return Services{}, err
	}

	services := Services{Emitter: emitter, Config: cfg}
	provider, err := buildProvider(ctx, cfg, opts, logger, &services)
	if err != nil {
		return Services{}, err
	}

	services.Controller = usecase.NewSessionController(
		provider,
		capture,
		rulesEngine,
		emitter,
		opts.Metrics,
		logger.WithPrefix("session"),
		usecase.Config{
			DefaultLanguage: cfg.Language,
			Audio: ports.AudioConfig{
				SampleRate:  cfg.SampleRate,
				Channels:    cfg.AudioChannels,
				InputFormat: cfg.Microphone.InputFormat,
				InputDevice: cfg.Microphone.InputDevice,
			},
			Streaming: ports.StreamingConfig{
				Encoding:       "LINEAR16",
				SampleRate:     cfg.SampleRate,
				Channels:       cfg.AudioChannels,
				Model:          cfg.Model,
				Punctuation:    true,
				InterimResults: true,
			},
			ChunkSize:    cfg.ChunkBytes(),
			QueueSize:    cfg.Session.QueueSize,
			PollInterval: cfg.Session.PollInterval,
			JoinTimeout:  cfg.Session.JoinTimeout,
		},
	)
	return services, nil
}

func buildProvider(ctx context.Context, cfg config.Config, opts Options, logger *log.Logger, services *Services) (ports.TranscriptionProvider, error) {
	switch cfg.Engine {
	case config.EngineDeepgram:
		return deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBase,
			Model:       cfg.Deepgram.Model,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}, logger.WithPrefix("deepgram")), nil
	case config.EngineGoogle:
		resolve := opts.ResolveProject
		if resolve == nil {
			resolve = config.NewProjectResolver(logger).Resolve
		}
		project, err := resolve(ctx, cfg.GCPProject)
		if err != nil {
			return nil, err
		}
		logger.Debug("using gcp project", "project", project)

		provider, err := google.NewProvider(ctx, google.Config{
			Project:         project,
			Endpoint:        cfg.Google.Endpoint,
			CredentialsFile: cfg.Google.CredentialsFile,
		}, logger.WithPrefix("google"))
		if err != nil {
			return nil, err
		}
		services.closers = append(services.closers, provider)
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// buildCapture returns nil for host audio.
func buildCapture(cfg config.Config, logger *log.Logger) (ports.AudioCapture, error) {
	if cfg.AudioSource != config.SourceMicrophone {
		return nil, nil
	}
	switch cfg.Microphone.Backend {
	case config.BackendPortAudio:
		capture, err := audio.NewPortAudioCapture(cfg.ChunkFrames(), logger)
		if err != nil {
			return nil, err
		}
		return capture, nil
	case config.BackendFFMPEG:
		return audio.NewFFMPEGCapture(cfg.Microphone.Command, logger), nil
	default:
		return nil, fmt.Errorf("unknown microphone backend %q", cfg.Microphone.Backend)
	}
}
