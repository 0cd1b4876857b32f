package ppe

import "sync"

// AlertState is the hysteresis state of one track.
type AlertState int

const (
	Safe AlertState = iota
	Violating
)

func (s AlertState) String() string {
	switch s {
	case Safe:
		return "safe"
	case Violating:
		return "violating"
	default:
		return "unknown"
	}
}

// StatusViolation is the only alert status emitted today.
const StatusViolation = "violation"

// Alert is emitted once per compliance-loss episode.
type Alert struct {
	TrackID TrackID   `json:"person_id"`
	Status  string    `json:"status"`
	PPE     PPEStatus `json:"ppe_status"`
	Box     Box       `json:"bbox"`
}

type alertStates struct {
	mu     sync.Mutex
	tracks map[TrackID]AlertState
}

// AlertStateMachine edge-triggers alerts on the transition from Safe to
// Violating. Repeated non-compliant frames of the same episode stay silent.
type AlertStateMachine struct {
	alertOnFirstSighting bool

	mu       sync.RWMutex
	sessions map[string]*alertStates
}

// NewAlertStateMachine creates a machine. With alertOnFirstSighting a track
// that is non-compliant on the frame it first appears alerts immediately;
// without it that first episode is entered silently.
func NewAlertStateMachine(alertOnFirstSighting bool) *AlertStateMachine {
	return &AlertStateMachine{
		alertOnFirstSighting: alertOnFirstSighting,
		sessions:             make(map[string]*alertStates),
	}
}

func (m *AlertStateMachine) states(sessionID string, create bool) *alertStates {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok || !create {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.sessions[sessionID]; ok {
		return st
	}
	st = &alertStates{tracks: make(map[TrackID]AlertState)}
	m.sessions[sessionID] = st
	return st
}

// Step advances every track in statuses by one frame and returns the alerts
// raised, in status order. The result is nil when nothing fired.
func (m *AlertStateMachine) Step(sessionID string, statuses []TrackStatus) []Alert {
	st := m.states(sessionID, true)

	st.mu.Lock()
	defer st.mu.Unlock()

	var alerts []Alert
	for _, ts := range statuses {
		prev, seen := st.tracks[ts.TrackID]

		if ts.Status.Safe() {
			st.tracks[ts.TrackID] = Safe
			continue
		}

		st.tracks[ts.TrackID] = Violating
		if prev != Safe {
			continue
		}
		if !seen && !m.alertOnFirstSighting {
			continue
		}
		alerts = append(alerts, Alert{
			TrackID: ts.TrackID,
			Status:  StatusViolation,
			PPE:     ts.Status,
			Box:     ts.Box,
		})
	}
	return alerts
}

// State returns the current state of a track and whether it was ever seen.
func (m *AlertStateMachine) State(sessionID string, track TrackID) (AlertState, bool) {
	st := m.states(sessionID, false)
	if st == nil {
		return Safe, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.tracks[track]
	return s, ok
}

// DropSession discards all alert state of the session.
func (m *AlertStateMachine) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// SessionCount returns the number of sessions holding alert state.
func (m *AlertStateMachine) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
