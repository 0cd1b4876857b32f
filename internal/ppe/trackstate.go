package ppe

import (
	"fmt"
	"sync"
)

// trackBuffers holds the evidence buffers of one session, keyed by track and
// then by class.
type trackBuffers struct {
	mu      sync.Mutex
	buffers map[TrackID]map[Class]*EvidenceBuffer
}

// TrackStateStore owns the rolling evidence for every (session, track, class)
// triple. Each session is a separate arena so tearing one down never touches
// another, and track ids can be reused across sessions safely.
type TrackStateStore struct {
	window int

	mu       sync.RWMutex
	sessions map[string]*trackBuffers
}

// NewTrackStateStore creates a store whose buffers hold window observations.
func NewTrackStateStore(window int) *TrackStateStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &TrackStateStore{
		window:   window,
		sessions: make(map[string]*trackBuffers),
	}
}

// Window returns the buffer capacity used for new buffers.
func (s *TrackStateStore) Window() int {
	return s.window
}

func (s *TrackStateStore) arena(sessionID string, create bool) *trackBuffers {
	s.mu.RLock()
	a, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok || !create {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.sessions[sessionID]; ok {
		return a
	}
	a = &trackBuffers{buffers: make(map[TrackID]map[Class]*EvidenceBuffer)}
	s.sessions[sessionID] = a
	return a
}

// Record pushes one containment observation, creating the buffer on first
// use. class must be a valid model class.
func (s *TrackStateStore) Record(sessionID string, track TrackID, class Class, observed bool) {
	if !class.Valid() {
		panic(fmt.Sprintf("ppe: record with invalid class %d", int(class)))
	}
	a := s.arena(sessionID, true)

	a.mu.Lock()
	defer a.mu.Unlock()
	byClass, ok := a.buffers[track]
	if !ok {
		byClass = make(map[Class]*EvidenceBuffer)
		a.buffers[track] = byClass
	}
	buf, ok := byClass[class]
	if !ok {
		buf = NewEvidenceBuffer(s.window)
		byClass[class] = buf
	}
	buf.Push(observed)
}

// RollingAverage returns the mean of the (session, track, class) buffer, or 0
// when no observation was ever recorded.
func (s *TrackStateStore) RollingAverage(sessionID string, track TrackID, class Class) float64 {
	a := s.arena(sessionID, false)
	if a == nil {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[track][class]; ok {
		return buf.Average()
	}
	return 0
}

// Averages returns the rolling average of every buffer the track owns.
func (s *TrackStateStore) Averages(sessionID string, track TrackID) map[Class]float64 {
	out := make(map[Class]float64)
	a := s.arena(sessionID, false)
	if a == nil {
		return out
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for class, buf := range a.buffers[track] {
		out[class] = buf.Average()
	}
	return out
}

// ResetTrack forgets all evidence for one track of a session.
func (s *TrackStateStore) ResetTrack(sessionID string, track TrackID) {
	a := s.arena(sessionID, false)
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, track)
}

// DropSession releases every buffer owned by the session.
func (s *TrackStateStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// TrackCount returns how many tracks hold evidence in the session.
func (s *TrackStateStore) TrackCount(sessionID string) int {
	a := s.arena(sessionID, false)
	if a == nil {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// SessionCount returns the number of sessions with live evidence.
func (s *TrackStateStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
