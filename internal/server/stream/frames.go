package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/coder/websocket"
)

var (
	errEmptyFrame     = errors.New("invalid frame: empty message")
	errMissingImage   = errors.New("invalid frame: missing image field")
	errInvalidPayload = errors.New("invalid frame: expected binary image or JSON {\"image\": base64}")
)

type framePayload struct {
	Image string `json:"image"`
}

// decodeFrame extracts image bytes from a websocket message. Binary
// messages are the frame itself; text messages carry base64 in an "image"
// field, optionally as a data URL.
func decodeFrame(typ websocket.MessageType, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	if typ == websocket.MessageBinary {
		return data, nil
	}

	var payload framePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	encoded := strings.TrimSpace(payload.Image)
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	if encoded == "" {
		return nil, errMissingImage
	}

	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("invalid frame: image is not valid base64")
	}
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}
	return frame, nil
}
