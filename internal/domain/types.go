package domain

// SessionState models the lifecycle of one transcription session.
type SessionState string

const (
	SessionStateIdle        SessionState = "idle"
	SessionStateActive      SessionState = "active"
	SessionStateTerminating SessionState = "terminating"
)

// FailureKind classifies why a session pipeline ended early.
type FailureKind string

const (
	FailureKindEngine FailureKind = "engine"
	FailureKindDevice FailureKind = "device"
)

// AudioSource selects where session audio comes from.
type AudioSource string

const (
	AudioSourceHost       AudioSource = "host"
	AudioSourceMicrophone AudioSource = "microphone"
)

// Alternative is one candidate transcript for a recognition result.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float32 `json:"confidence"`
}

// RecognitionResult groups alternatives for one span of audio.
type RecognitionResult struct {
	Alternatives []Alternative `json:"alternatives"`
	IsFinal      bool          `json:"isFinal"`
}

// RecognitionResponse is one message from a streaming transcription engine.
type RecognitionResponse struct {
	Results []RecognitionResult `json:"results"`
}

// Status summarizes the controller's current session slot.
type Status struct {
	State     SessionState `json:"state"`
	SessionID string       `json:"sessionId,omitempty"`
	Language  string       `json:"language,omitempty"`
}
