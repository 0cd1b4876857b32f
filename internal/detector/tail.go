package detector

// tailBuffer keeps only the most recent bytes written to it. The detector
// process's last stderr output is kept so a crash can be reported with it.
type tailBuffer struct {
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{
		buf: make([]byte, 0, max),
		max: max,
	}
}

// Write appends p, discarding the oldest bytes beyond capacity.
func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

func (t *tailBuffer) Len() int {
	return len(t.buf)
}
