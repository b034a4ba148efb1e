package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"speechworker/internal/bootstrap"
	"speechworker/internal/config"
)

func appConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Language:        "en-US",
		SampleRate:      16000,
		AudioChannels:   1,
		ChunkDurationMS: 100,
		Model:           "latest_long",
		Engine:          config.EngineDeepgram,
		AudioSource:     config.SourceHost,
		Session: config.SessionConfig{
			JoinTimeout:  time.Second,
			PollInterval: 20 * time.Millisecond,
			QueueSize:    8,
		},
		Rules:    config.RulesConfig{Path: filepath.Join(t.TempDir(), "absent.rules")},
		Deepgram: config.DeepgramConfig{APIKey: "test", Model: "nova-2"},
		Log:      config.LogConfig{Level: "info", Format: "text"},
	}
}

func TestAppRunsUntilEOF(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	app := NewApp(appConfig(t), strings.NewReader("{\"type\":\"stop\"}\n"), &out, nil)

	require.NoError(t, app.Run(context.Background()))
	require.Equal(t, "{\"type\":\"ready\"}\n{\"type\":\"stopped\"}\n", out.String())
}

func TestAppStartupFailureSkipsReady(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	app := NewApp(appConfig(t), strings.NewReader(""), &out, nil)
	app.build = func(context.Context, config.Config, bootstrap.Options) (bootstrap.Services, error) {
		return bootstrap.Services{}, errors.New("no credentials")
	}

	err := app.Run(context.Background())
	require.EqualError(t, err, "startup: no credentials")
	require.Empty(t, out.String())
}

func TestAppStopsOnCancel(t *testing.T) {
	t.Parallel()

	reader, writer := io.Pipe()
	defer writer.Close()

	var out bytes.Buffer
	app := NewApp(appConfig(t), reader, &syncWriter{w: &out}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop after cancel")
	}
}
