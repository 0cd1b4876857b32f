// Package detector bridges frames to the object detection and tracking model.
package detector

import (
	"context"
	"errors"

	"github.com/a-marczewski/ppewatch/internal/ppe"
)

// ErrClosed is returned by Detect after the detector has been shut down.
var ErrClosed = errors.New("detector closed")

// Request is one frame submitted for detection. SessionID scopes the
// tracker state on the model side so track ids never leak across streams.
type Request struct {
	SessionID string
	Seq       uint64
	Frame     []byte
}

// Detector runs detection plus tracking on a single frame.
type Detector interface {
	Detect(ctx context.Context, req Request) ([]ppe.Detection, error)
}

// SessionReleaser is implemented by detectors that keep per-session tracker
// state and want to be told when a session ends.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sessionID string) error
}

// Func adapts an ordinary function to the Detector interface.
type Func func(ctx context.Context, req Request) ([]ppe.Detection, error)

// Detect calls f(ctx, req).
func (f Func) Detect(ctx context.Context, req Request) ([]ppe.Detection, error) {
	return f(ctx, req)
}
