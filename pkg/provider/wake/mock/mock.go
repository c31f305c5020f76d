// Package mock provides test doubles for the wake package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script detections and inspect the frames that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    Detections: [][]wake.Detection{nil, {{Keyword: "hey_jarvis", Score: 0.92}}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg wake.Config
}

// Engine is a mock implementation of wake.Engine.
type Engine struct {
	mu sync.Mutex

	// KeywordName is returned by Keyword. Defaults to "mock" when empty.
	KeywordName string

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session wake.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// Keyword returns KeywordName, or "mock" when unset.
func (e *Engine) Keyword() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.KeywordName == "" {
		return "mock"
	}
	return e.KeywordName
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg wake.Config) (wake.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements wake.Engine at compile time.
var _ wake.Engine = (*Engine)(nil)

// ProcessFrameCall records a single invocation of Session.ProcessFrame.
type ProcessFrameCall struct {
	// Frame is a copy of the bytes passed to ProcessFrame.
	Frame []byte
}

// Session is a mock implementation of wake.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Detections, when non-empty, is consumed front to back: each
	// ProcessFrame call pops and returns the next entry. A nil entry
	// scripts a frame without detections.
	Detections [][]wake.Detection

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessFrameCalls records every call to ProcessFrame in order.
	ProcessFrameCalls []ProcessFrameCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the call and returns the next scripted detections,
// ProcessFrameErr.
func (s *Session) ProcessFrame(frame []byte) ([]wake.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{Frame: cp})
	if len(s.Detections) > 0 {
		d := s.Detections[0]
		s.Detections = s.Detections[1:]
		return d, s.ProcessFrameErr
	}
	return nil, s.ProcessFrameErr
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ProcessFrameCallCount returns the number of ProcessFrame calls. Thread-safe.
func (s *Session) ProcessFrameCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ProcessFrameCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements wake.SessionHandle at compile time.
var _ wake.SessionHandle = (*Session)(nil)
