package usecase

import (
	"context"
	"sync"

	"speechworker/internal/domain"
)

type activeSession struct {
	id       string
	language string
	audio    *AudioChannel
	gate     *eventGate

	// stopCtx is the session's cancel flag; cancelling runCtx additionally
	// tears down the engine stream.
	stopCtx     context.Context
	requestStop context.CancelFunc
	abort       context.CancelFunc

	done chan struct{}

	stateMu sync.Mutex
	state   domain.SessionState
}

func (s *activeSession) setState(state domain.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *activeSession) getState() domain.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// eventGate lets a session write events only until it is shut. shut waits for
// an in-flight write, so nothing from the session follows once it returns.
type eventGate struct {
	mu   sync.Mutex
	shut bool
}

func (g *eventGate) emit(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut {
		return false
	}
	fn()
	return true
}

func (g *eventGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shut = true
}
