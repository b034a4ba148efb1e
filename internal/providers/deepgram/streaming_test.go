package deepgram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"speechworker/internal/domain"
	"speechworker/internal/ports"
)

type fakeDeepgram struct {
	server *httptest.Server

	mu      sync.Mutex
	query   url.Values
	auth    string
	audio   [][]byte
	onAudio func(conn *websocket.Conn)
	onClose func(conn *websocket.Conn)
}

func newFakeDeepgram(t *testing.T) *fakeDeepgram {
	t.Helper()

	f := &fakeDeepgram{}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.query = r.URL.Query()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				f.mu.Lock()
				f.audio = append(f.audio, payload)
				onAudio := f.onAudio
				f.mu.Unlock()
				if onAudio != nil {
					onAudio(conn)
				}
				continue
			}
			if strings.Contains(string(payload), "CloseStream") {
				if f.onClose != nil {
					f.onClose(conn)
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDeepgram) provider() *Provider {
	return NewProvider(Config{APIKey: "secret", APIBaseURL: f.server.URL + "/v1", SmartFormat: true}, nil)
}

func writeJSON(conn *websocket.Conn, message any) {
	payload, _ := json.Marshal(message)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func results(text string, final bool) map[string]any {
	return map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.5}},
		},
	}
}

func streamingConfig(language string) ports.StreamingConfig {
	return ports.StreamingConfig{
		Encoding:       "LINEAR16",
		SampleRate:     16000,
		Channels:       1,
		Language:       language,
		Model:          "latest_long",
		Punctuation:    true,
		InterimResults: true,
	}
}

func nextResponse(t *testing.T, session ports.StreamingSession) domain.RecognitionResponse {
	t.Helper()
	select {
	case response, ok := <-session.Responses():
		require.True(t, ok, "responses closed early")
		return response
	case <-time.After(2 * time.Second):
		t.Fatal("no response from deepgram")
		return domain.RecognitionResponse{}
	}
}

func TestStreamingRoundTrip(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	fake.onAudio = func(conn *websocket.Conn) {
		writeJSON(conn, map[string]any{"type": "Metadata", "request_id": "abc"})
		writeJSON(conn, results("  ", false))
		writeJSON(conn, results("hallo", false))
	}
	fake.onClose = func(conn *websocket.Conn) {
		writeJSON(conn, results("hallo welt", true))
	}

	session, err := fake.provider().StartStreaming(context.Background(), streamingConfig("de-DE"))
	require.NoError(t, err)

	require.NoError(t, session.SendAudio([]byte{1, 2, 3, 4}))
	interim := nextResponse(t, session)
	require.Equal(t, domain.RecognitionResponse{Results: []domain.RecognitionResult{{
		Alternatives: []domain.Alternative{{Transcript: "hallo", Confidence: 0.5}},
	}}}, interim)

	require.NoError(t, session.CloseSend())
	final := nextResponse(t, session)
	require.True(t, final.Results[0].IsFinal)
	require.Equal(t, "hallo welt", final.Results[0].Alternatives[0].Transcript)

	_, ok := <-session.Responses()
	require.False(t, ok)
	require.NoError(t, session.Wait())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, [][]byte{{1, 2, 3, 4}}, fake.audio)
	require.Equal(t, "Token secret", fake.auth)
	require.Equal(t, "de-DE", fake.query.Get("language"))
	require.Equal(t, "nova-2", fake.query.Get("model"))
	require.Equal(t, "linear16", fake.query.Get("encoding"))
	require.Equal(t, "true", fake.query.Get("punctuate"))
	require.Equal(t, "true", fake.query.Get("interim_results"))
	require.Equal(t, "true", fake.query.Get("smart_format"))
}

func TestStreamingErrorMessageFailsSession(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	fake.onAudio = func(conn *websocket.Conn) {
		writeJSON(conn, map[string]any{"type": "Error", "description": "corrupt audio"})
	}

	session, err := fake.provider().StartStreaming(context.Background(), streamingConfig("en-US"))
	require.NoError(t, err)
	require.NoError(t, session.SendAudio([]byte{0, 0}))

	for range session.Responses() {
	}
	require.EqualError(t, session.Wait(), "corrupt audio")
	_ = session.Close()
}

func TestStreamingContextCancelClosesSession(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	ctx, cancel := context.WithCancel(context.Background())

	session, err := fake.provider().StartStreaming(ctx, streamingConfig("en-US"))
	require.NoError(t, err)

	cancel()
	select {
	case <-waitDone(session):
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after cancel")
	}
	require.NoError(t, session.Wait())
}

func waitDone(session ports.StreamingSession) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = session.Wait()
		close(done)
	}()
	return done
}

func TestStartStreamingRejectedHandshake(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	p := NewProvider(Config{APIKey: "wrong", APIBaseURL: fake.server.URL}, nil)

	_, err := p.StartStreaming(context.Background(), streamingConfig("en-US"))
	require.ErrorContains(t, err, "401")
}

func TestProviderStartStreamingRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Config{}, nil).StartStreaming(context.Background(), ports.StreamingConfig{})
	require.ErrorContains(t, err, "DEEPGRAM_API_KEY")
}

func TestBuildListenURLDefaults(t *testing.T) {
	t.Parallel()

	raw, err := buildListenURL(Config{}, ports.StreamingConfig{})
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "wss", parsed.Scheme)
	require.Equal(t, "api.deepgram.com", parsed.Host)
	require.Equal(t, "/v1/listen", parsed.Path)

	query := parsed.Query()
	require.Equal(t, "linear16", query.Get("encoding"))
	require.Equal(t, "16000", query.Get("sample_rate"))
	require.Equal(t, "1", query.Get("channels"))
	require.Equal(t, "nova-2", query.Get("model"))
	require.False(t, query.Has("language"))
}

func TestBuildListenURLCustom(t *testing.T) {
	t.Parallel()

	raw, err := buildListenURL(
		Config{APIBaseURL: "http://localhost:8080/v1/", Model: "nova-3", SmartFormat: true},
		ports.StreamingConfig{Encoding: "linear16", SampleRate: 8000, Channels: 2, Language: "en-US", InterimResults: true},
	)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "ws://localhost:8080/v1/listen?"))

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, "nova-3", query.Get("model"))
	require.Equal(t, "8000", query.Get("sample_rate"))
	require.Equal(t, "2", query.Get("channels"))
	require.Equal(t, "en-US", query.Get("language"))
	require.Equal(t, "false", query.Get("punctuate"))
}

func TestBuildListenURLInvalidBase(t *testing.T) {
	t.Parallel()

	_, err := buildListenURL(Config{APIBaseURL: ":// bad"}, ports.StreamingConfig{})
	require.Error(t, err)
}

func TestMessageToDomain(t *testing.T) {
	t.Parallel()

	var blank deepgramMessage
	_, ok := blank.toDomain()
	require.False(t, ok)

	message := deepgramMessage{SpeechFinal: true}
	message.Channel.Alternatives = []deepgramAlternative{{Transcript: "done", Confidence: 0.8}}
	response, ok := message.toDomain()
	require.True(t, ok)
	require.True(t, response.Results[0].IsFinal)

	require.Equal(t, "deepgram returned an unknown error", deepgramMessage{}.errorText())
	require.Equal(t, "fallback", deepgramMessage{Message: " fallback "}.errorText())
}

func TestSetErrIgnoresNormalClose(t *testing.T) {
	t.Parallel()

	s := &streamingSession{quit: make(chan struct{})}
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	require.NoError(t, s.waitErr())

	s.setErr(context.DeadlineExceeded)
	s.setErr(context.Canceled)
	require.ErrorIs(t, s.waitErr(), context.DeadlineExceeded)
}

func TestCloseReleasesBlockedSender(t *testing.T) {
	t.Parallel()

	fake := newFakeDeepgram(t)
	wsURL := "ws" + strings.TrimPrefix(fake.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Token secret"}})
	require.NoError(t, err)

	// no write loop drains the audio buffer, as with a stalled peer
	session := &streamingSession{
		conn:       conn,
		responses:  make(chan domain.RecognitionResponse),
		audio:      make(chan []byte, 1),
		writerDone: make(chan struct{}),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	close(session.done)
	require.NoError(t, session.SendAudio([]byte{1}))

	sent := make(chan error, 1)
	go func() { sent <- session.SendAudio([]byte{2}) }()
	closed := make(chan error, 1)
	go func() { closed <- session.Close() }()

	select {
	case err := <-sent:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("sender stayed blocked after Close")
	}
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}
