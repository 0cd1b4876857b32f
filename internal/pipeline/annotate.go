package pipeline

import "github.com/a-marczewski/ppewatch/internal/ppe"

// Annotator renders compliance results onto a frame before it is stored.
type Annotator interface {
	Annotate(frame []byte, statuses []ppe.TrackStatus) ([]byte, error)
}

// Passthrough stores frames unmodified.
type Passthrough struct{}

// Annotate returns frame as is.
func (Passthrough) Annotate(frame []byte, _ []ppe.TrackStatus) ([]byte, error) {
	return frame, nil
}
