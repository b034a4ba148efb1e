package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"speechworker/internal/audio"
	"speechworker/internal/ports"
)

// pipeline runs one session end to end: audio source, engine stream, request
// feeder and response consumer.
type pipeline struct {
	provider ports.TranscriptionProvider
	capture  ports.AudioCapture
	rules    ports.RulesEngine
	events   ports.EventSink
	cfg      Config
	logger   *log.Logger
}

// run blocks until the session ends. It returns nil on a graceful end and a
// *SessionError otherwise. Cancelling runCtx abandons the engine stream.
func (p *pipeline) run(runCtx context.Context, s *activeSession) error {
	groupCtx, cancelGroup := context.WithCancel(runCtx)
	defer cancelGroup()
	g, gctx := errgroup.WithContext(groupCtx)

	var meter *audio.LevelMeter
	if p.capture != nil {
		source, err := p.capture.Start(gctx, p.cfg.Audio)
		if err != nil {
			return deviceFailure(fmt.Errorf("open audio source: %w", err))
		}
		defer func() { _ = source.Stop() }()

		meter = audio.NewLevelMeter()
		pumpCtx, cancelPump := context.WithCancel(gctx)
		defer cancelPump()
		defer context.AfterFunc(s.stopCtx, cancelPump)()
		g.Go(func() error {
			return pumpCapture(pumpCtx, source, s.audio, meter, p.cfg.ChunkSize, p.logger)
		})
	}

	stream, err := p.provider.StartStreaming(gctx, p.streamingConfig(s.language))
	if err != nil {
		cancelGroup()
		_ = g.Wait()
		return engineFailure(fmt.Errorf("open transcription stream: %w", err))
	}
	defer func() { _ = stream.Close() }()

	p.logger.Debug("stream open", "language", s.language, "model", p.cfg.Streaming.Model)

	g.Go(func() error { return p.feed(gctx, s, stream) })
	g.Go(func() error { return p.consume(gctx, s, stream, meter) })

	err = g.Wait()
	if !errors.Is(err, errStreamEnded) {
		return err
	}
	if s.stopCtx.Err() == nil {
		p.logger.Info("engine ended the stream")
	}
	return nil
}

func (p *pipeline) streamingConfig(language string) ports.StreamingConfig {
	cfg := p.cfg.Streaming
	cfg.Language = language
	return cfg
}

// feed drains the audio channel into the engine until the sentinel or the
// cancel flag, then half-closes the stream so the engine can flush finals.
func (p *pipeline) feed(ctx context.Context, s *activeSession, stream ports.StreamingSession) error {
	defer func() { _ = stream.CloseSend() }()

	sent := 0
	for {
		if s.stopCtx.Err() != nil || ctx.Err() != nil {
			p.logger.Debug("feeder stopping", "chunks", sent)
			return nil
		}

		chunk, err := s.audio.Next(p.cfg.PollInterval)
		if errors.Is(err, ErrAudioTimeout) {
			continue
		}
		if errors.Is(err, ErrAudioClosed) {
			p.logger.Debug("audio exhausted", "chunks", sent)
			return nil
		}

		if err := stream.SendAudio(chunk); err != nil {
			// the response side reports why the stream went away
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return engineFailure(fmt.Errorf("send audio: %w", err))
		}
		sent++
	}
}

// consume turns engine responses into events until the response stream ends.
// A clean end returns errStreamEnded so the feeder and capture stop too.
func (p *pipeline) consume(ctx context.Context, s *activeSession, stream ports.StreamingSession, meter *audio.LevelMeter) error {
	responses := stream.Responses()
	for {
		select {
		case <-ctx.Done():
			return nil
		case response, ok := <-responses:
			if !ok {
				err := stream.Wait()
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return engineFailure(err)
				}
				return errStreamEnded
			}
			p.publish(s, translateResponse(response), meter)
		}
	}
}

func (p *pipeline) publish(s *activeSession, update transcriptUpdate, meter *audio.LevelMeter) {
	for _, text := range update.finals {
		text := p.rewrite(text)
		if text == "" {
			continue
		}
		s.gate.emit(func() { p.events.Final(text) })
	}

	if update.interim == "" {
		return
	}
	var level *float64
	if meter != nil {
		current := meter.Current()
		level = &current
	}
	s.gate.emit(func() { p.events.Interim(update.interim, level) })
}

func (p *pipeline) rewrite(text string) string {
	if p.rules == nil {
		return text
	}
	rewritten, err := p.rules.Apply(text)
	if err != nil {
		p.logger.Warn("substitution rules failed; keeping raw transcript", "err", err)
		return text
	}
	return strings.TrimSpace(rewritten)
}
