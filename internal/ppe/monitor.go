package ppe

// Config bundles the tunables of a Monitor.
type Config struct {
	Window               int
	Thresholds           Thresholds
	Untracked            UntrackedPolicy
	AlertOnFirstSighting bool
}

// FrameOutcome is the compliance result of one frame.
type FrameOutcome struct {
	Statuses []TrackStatus
	Alerts   []Alert
}

// Monitor runs the evaluator and the alert machine over a shared evidence
// store. Callers must not process two frames of the same session at once.
type Monitor struct {
	store     *TrackStateStore
	evaluator *Evaluator
	alerts    *AlertStateMachine
}

// NewMonitor builds the evidence store, evaluator and alert machine.
func NewMonitor(cfg Config) *Monitor {
	store := NewTrackStateStore(cfg.Window)
	return &Monitor{
		store:     store,
		evaluator: NewEvaluator(store, cfg.Thresholds, cfg.Untracked),
		alerts:    NewAlertStateMachine(cfg.AlertOnFirstSighting),
	}
}

// Process evaluates one frame of detections for a session.
func (m *Monitor) Process(sessionID string, detections []Detection) FrameOutcome {
	statuses := m.evaluator.Evaluate(sessionID, detections)
	return FrameOutcome{
		Statuses: statuses,
		Alerts:   m.alerts.Step(sessionID, statuses),
	}
}

// DropSession releases all evidence and alert state of a session.
func (m *Monitor) DropSession(sessionID string) {
	m.store.DropSession(sessionID)
	m.alerts.DropSession(sessionID)
}

// Store exposes the evidence store.
func (m *Monitor) Store() *TrackStateStore {
	return m.store
}

// Alerts exposes the alert state machine.
func (m *Monitor) Alerts() *AlertStateMachine {
	return m.alerts
}
