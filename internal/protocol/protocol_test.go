package protocol

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCommandStart(t *testing.T) {
	t.Parallel()

	cmd, err := DecodeCommand([]byte(`{"type":"start","language":"de-DE"}`))
	require.NoError(t, err)
	require.Equal(t, CommandStart, cmd.Type)
	require.Equal(t, "de-DE", cmd.Language)
}

func TestDecodeCommandStartWithoutLanguage(t *testing.T) {
	t.Parallel()

	cmd, err := DecodeCommand([]byte("  {\"type\":\"start\"}\r\n"))
	require.NoError(t, err)
	require.Equal(t, CommandStart, cmd.Type)
	require.Empty(t, cmd.Language)
}

func TestDecodeCommandNormalizesType(t *testing.T) {
	t.Parallel()

	cmd, err := DecodeCommand([]byte(`{"type":" STOP "}`))
	require.NoError(t, err)
	require.Equal(t, CommandStop, cmd.Type)
}

func TestDecodeCommandRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":     `hello`,
		"truncated":    `{"type":"start"`,
		"array":        `["start"]`,
		"wrong type":   `{"type":42}`,
		"missing type": `{"language":"en-US"}`,
		"blank type":   `{"type":"  "}`,
	}
	for name, line := range cases {
		line := line
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeCommand([]byte(line))
			require.Error(t, err)
		})
	}

	_, err := DecodeCommand([]byte(`{}`))
	require.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeCommandKeepsUnknownTypes(t *testing.T) {
	t.Parallel()

	cmd, err := DecodeCommand([]byte(`{"type":"pause"}`))
	require.NoError(t, err)
	require.Equal(t, CommandType("pause"), cmd.Type)
}

func TestCommandAudio(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	line := `{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`

	cmd, err := DecodeCommand([]byte(line))
	require.NoError(t, err)
	got, err := cmd.Audio()
	require.NoError(t, err)
	require.Equal(t, pcm, got)
}

func TestCommandAudioErrors(t *testing.T) {
	t.Parallel()

	_, err := Command{Type: CommandAudio}.Audio()
	require.ErrorIs(t, err, ErrMissingAudio)

	_, err = Command{Type: CommandAudio, Data: "%%%"}.Audio()
	require.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	t.Parallel()

	level := 0.5
	cases := []struct {
		event Event
		want  string
	}{
		{Event{Type: EventReady}, `{"type":"ready"}` + "\n"},
		{Event{Type: EventInterim, Text: "hello wor"}, `{"type":"interim","text":"hello wor"}` + "\n"},
		{Event{Type: EventInterim, Text: "hi", AudioLevel: &level}, `{"type":"interim","text":"hi","audio_level":0.5}` + "\n"},
		{Event{Type: EventFinal, Text: "hello world."}, `{"type":"final","text":"hello world."}` + "\n"},
		{Event{Type: EventError, Message: "boom"}, `{"type":"error","message":"boom"}` + "\n"},
		{Event{Type: EventStopped}, `{"type":"stopped"}` + "\n"},
	}
	for _, tc := range cases {
		got, err := EncodeEvent(tc.event)
		require.NoError(t, err)
		require.Equal(t, tc.want, string(got))
	}
}

func TestEncodeEventRequiresType(t *testing.T) {
	t.Parallel()

	_, err := EncodeEvent(Event{Text: "orphan"})
	require.Error(t, err)
}
