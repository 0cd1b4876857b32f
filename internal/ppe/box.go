package ppe

import (
	"encoding/json"
	"fmt"
)

// Box is an axis-aligned rectangle in pixel coordinates. (X1,Y1) is the
// top-left corner and (X2,Y2) the bottom-right corner.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Contains reports whether inner lies strictly inside b. Shared edges do not
// count: a PPE box touching the person boundary is not contained.
func (b Box) Contains(inner Box) bool {
	return inner.X1 > b.X1 && inner.Y1 > b.Y1 && inner.X2 < b.X2 && inner.Y2 < b.Y2
}

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON decodes a [x1, y1, x2, y2] array.
func (b *Box) UnmarshalJSON(data []byte) error {
	var coords []int
	if err := json.Unmarshal(data, &coords); err != nil {
		return fmt.Errorf("decode bbox: %w", err)
	}
	if len(coords) != 4 {
		return fmt.Errorf("decode bbox: want 4 coordinates, got %d", len(coords))
	}
	*b = Box{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	return nil
}
