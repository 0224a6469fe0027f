package worker

import (
	"sync"

	"csvai/internal/models"
)

// Runtime is what a session needs in memory to answer: a retriever, the
// summary chunks or a frame, depending on its mode.
type Runtime interface {
	Mode() models.Mode
}

// sessionState holds per-session data that is never written to the database.
type sessionState struct {
	mu       sync.RWMutex
	keys     map[int64]string
	runtimes map[int64]Runtime
}

func newSessionState() *sessionState {
	return &sessionState{
		keys:     make(map[int64]string),
		runtimes: make(map[int64]Runtime),
	}
}

func (s *sessionState) setKey(sessionID int64, key string) {
	s.mu.Lock()
	if key == "" {
		delete(s.keys, sessionID)
	} else {
		s.keys[sessionID] = key
	}
	s.mu.Unlock()
}

func (s *sessionState) key(sessionID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[sessionID]
}

func (s *sessionState) setRuntime(sessionID int64, rt Runtime) {
	if rt == nil {
		return
	}
	s.mu.Lock()
	s.runtimes[sessionID] = rt
	s.mu.Unlock()
}

func (s *sessionState) runtime(sessionID int64) Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtimes[sessionID]
}

func (s *sessionState) dropRuntime(sessionID int64) {
	s.mu.Lock()
	delete(s.runtimes, sessionID)
	s.mu.Unlock()
}

func (s *sessionState) purge(sessionID int64) {
	s.mu.Lock()
	delete(s.keys, sessionID)
	delete(s.runtimes, sessionID)
	s.mu.Unlock()
}

func (s *sessionState) reset() {
	s.mu.Lock()
	s.keys = make(map[int64]string)
	s.runtimes = make(map[int64]Runtime)
	s.mu.Unlock()
}
