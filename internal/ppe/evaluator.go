package ppe

import (
	"encoding/json"
	"fmt"
)

// UntrackedPolicy controls how evidence for UntrackedID persons is kept.
type UntrackedPolicy string

const (
	// UntrackedAccumulate treats the sentinel like any other track id, so
	// every untracked person of a session feeds the same buffers.
	UntrackedAccumulate UntrackedPolicy = "accumulate"
	// UntrackedSingleFrame clears the sentinel's evidence before each
	// evaluation so it never spans frames.
	UntrackedSingleFrame UntrackedPolicy = "single_frame"
)

// ParseUntrackedPolicy validates a policy name. The empty string selects
// UntrackedAccumulate.
func ParseUntrackedPolicy(name string) (UntrackedPolicy, error) {
	switch UntrackedPolicy(name) {
	case "", UntrackedAccumulate:
		return UntrackedAccumulate, nil
	case UntrackedSingleFrame:
		return UntrackedSingleFrame, nil
	default:
		return "", fmt.Errorf("unknown untracked evidence policy %q", name)
	}
}

// PPEStatus is the per-item compliance verdict of one track for one frame.
type PPEStatus struct {
	Helmet bool
	Vest   bool
	Boots  bool
}

// Safe reports whether every item is present.
func (s PPEStatus) Safe() bool {
	return s.Helmet && s.Vest && s.Boots
}

type wirePPEStatus struct {
	Boots  string `json:"boots"`
	Helmet string `json:"helmet"`
	Vest   string `json:"vest"`
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// MarshalJSON encodes each item as "yes" or "no", the format dashboards
// already consume.
func (s PPEStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePPEStatus{
		Boots:  yesNo(s.Boots),
		Helmet: yesNo(s.Helmet),
		Vest:   yesNo(s.Vest),
	})
}

// UnmarshalJSON decodes the "yes"/"no" form.
func (s *PPEStatus) UnmarshalJSON(data []byte) error {
	var w wirePPEStatus
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = PPEStatus{Helmet: w.Helmet == "yes", Vest: w.Vest == "yes", Boots: w.Boots == "yes"}
	return nil
}

// TrackStatus is the evaluated state of one person in one frame.
type TrackStatus struct {
	TrackID TrackID            `json:"person_id"`
	Scores  map[string]float64 `json:"avg_scores"`
	Status  PPEStatus          `json:"ppe_status"`
	Box     Box                `json:"bbox"`
}

type ppeItem struct {
	box   Box
	class Class
}

// Evaluator turns one frame of detections into per-track compliance using
// the rolling evidence in a TrackStateStore.
type Evaluator struct {
	store      *TrackStateStore
	thresholds Thresholds
	untracked  UntrackedPolicy
}

// NewEvaluator creates an evaluator. A nil thresholds table selects
// DefaultThresholds.
func NewEvaluator(store *TrackStateStore, thresholds Thresholds, untracked UntrackedPolicy) *Evaluator {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if untracked == "" {
		untracked = UntrackedAccumulate
	}
	return &Evaluator{
		store:      store,
		thresholds: thresholds,
		untracked:  untracked,
	}
}

// Evaluate records containment evidence for every accepted person and
// returns their statuses in detection order. The only side effect is the
// mutation of the evidence store.
func (e *Evaluator) Evaluate(sessionID string, detections []Detection) []TrackStatus {
	var persons []Detection
	var items []ppeItem

	for _, d := range detections {
		if !d.Class.Valid() || !e.thresholds.Accept(d.Class, d.Confidence) {
			continue
		}
		if d.Class == Person {
			persons = append(persons, d)
			continue
		}
		items = append(items, ppeItem{box: d.Box, class: d.Class})
	}

	statuses := make([]TrackStatus, 0, len(persons))
	for _, p := range persons {
		if p.TrackID == UntrackedID && e.untracked == UntrackedSingleFrame {
			e.store.ResetTrack(sessionID, UntrackedID)
		}

		for _, item := range items {
			e.store.Record(sessionID, p.TrackID, item.class, p.Box.Contains(item.box))
		}

		avg := e.store.Averages(sessionID, p.TrackID)
		scores := make(map[string]float64, len(avg)+1)
		for class, v := range avg {
			scores[class.String()] = v
		}
		scores[Person.String()] = 1.0

		statuses = append(statuses, TrackStatus{
			TrackID: p.TrackID,
			Scores:  scores,
			Status: PPEStatus{
				Helmet: avg[Helmet] > avg[NoHelmet],
				Vest:   avg[Vest] > avg[NoVest],
				Boots:  avg[Boots] > avg[NoBoots],
			},
			Box: p.Box,
		})
	}
	return statuses
}
