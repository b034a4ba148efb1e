package usecase

import (
	"errors"
	"fmt"

	"speechworker/internal/domain"
)

var ErrControllerClosed = errors.New("session controller is closed")

// errStreamEnded ends the pipeline group when the engine closes its response
// stream cleanly. run reports it as a graceful end.
var errStreamEnded = errors.New("transcription stream ended")

// SessionError is the single failure a session pipeline reports. Its message
// is what the host sees in the error event.
type SessionError struct {
	Kind domain.FailureKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failure", e.Kind)
	}
	return e.Err.Error()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func engineFailure(err error) error {
	return &SessionError{Kind: domain.FailureKindEngine, Err: err}
}

func deviceFailure(err error) error {
	return &SessionError{Kind: domain.FailureKindDevice, Err: err}
}

// failureKind reports the kind of a pipeline error, defaulting to engine.
func failureKind(err error) domain.FailureKind {
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind
	}
	return domain.FailureKindEngine
}
