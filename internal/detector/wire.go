package detector

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/a-marczewski/ppewatch/internal/ppe"
)

// maxMessageSize bounds a single length-prefixed message.
const maxMessageSize = 64 << 20

const (
	kindDetect  = "detect"
	kindRelease = "release"
)

// wireRequest is written to the model process. Image carries the raw
// encoded frame bytes; msgpack handles binary natively.
type wireRequest struct {
	ID        uint64 `msgpack:"id"`
	Kind      string `msgpack:"kind"`
	SessionID string `msgpack:"session_id"`
	Seq       uint64 `msgpack:"seq"`
	Image     []byte `msgpack:"image,omitempty"`
}

type wireDetection struct {
	Class      int     `msgpack:"class"`
	Confidence float64 `msgpack:"confidence"`
	Box        [4]int  `msgpack:"bbox"`
	TrackID    *int    `msgpack:"track_id"`
}

type wireResponse struct {
	ID         uint64          `msgpack:"id"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error,omitempty"`
}

// writeMessage writes v as a 4-byte big-endian length followed by the
// msgpack body.
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(body) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// toDetections converts wire detections, skipping unknown classes.
func toDetections(in []wireDetection) []ppe.Detection {
	out := make([]ppe.Detection, 0, len(in))
	for _, d := range in {
		class := ppe.Class(d.Class)
		if !class.Valid() {
			continue
		}
		track := ppe.UntrackedID
		if d.TrackID != nil {
			track = ppe.TrackID(*d.TrackID)
		}
		out = append(out, ppe.Detection{
			Class:      class,
			Confidence: d.Confidence,
			Box:        ppe.Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			TrackID:    track,
		})
	}
	return out
}
