package pipeline

import (
	"encoding/json"

	"github.com/a-marczewski/ppewatch/internal/ppe"
)

// FrameResult is the outbound message for one frame. A result carries
// either detections and alerts, or an error.
type FrameResult struct {
	Frame      uint64
	Detections []ppe.TrackStatus
	Alerts     []ppe.Alert
	Error      string
}

// Failed reports whether the frame produced an error instead of detections.
func (r FrameResult) Failed() bool {
	return r.Error != ""
}

type frameResultJSON struct {
	Frame      uint64            `json:"frame"`
	Detections []ppe.TrackStatus `json:"detections"`
	Alerts     []ppe.Alert       `json:"alerts"`
}

type frameErrorJSON struct {
	Frame uint64 `json:"frame"`
	Error string `json:"error"`
}

// MarshalJSON encodes successful frames as {frame, detections, alerts} with
// alerts null when nothing fired, and failed frames as {frame, error}.
func (r FrameResult) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(frameErrorJSON{Frame: r.Frame, Error: r.Error})
	}
	detections := r.Detections
	if detections == nil {
		detections = []ppe.TrackStatus{}
	}
	return json.Marshal(frameResultJSON{Frame: r.Frame, Detections: detections, Alerts: r.Alerts})
}

func errorResult(seq uint64, msg string) FrameResult {
	return FrameResult{Frame: seq, Error: msg}
}
