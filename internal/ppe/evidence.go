package ppe

// DefaultWindow is the number of observations kept per (track, class).
const DefaultWindow = 30

// EvidenceBuffer keeps only the most recent containment observations for one
// (track, class) pair. Pushing at capacity overwrites the oldest entry.
type EvidenceBuffer struct {
	obs  []bool
	max  int
	head int // index of the oldest observation once the ring is full
	hits int // number of true observations currently held
}

// NewEvidenceBuffer creates a buffer holding at most max observations.
// A non-positive max falls back to DefaultWindow.
func NewEvidenceBuffer(max int) *EvidenceBuffer {
	if max <= 0 {
		max = DefaultWindow
	}
	return &EvidenceBuffer{
		obs: make([]bool, 0, max),
		max: max,
	}
}

// Push records one observation, evicting the oldest one when full.
func (b *EvidenceBuffer) Push(observed bool) {
	if len(b.obs) < b.max {
		b.obs = append(b.obs, observed)
		if observed {
			b.hits++
		}
		return
	}

	if b.obs[b.head] {
		b.hits--
	}
	b.obs[b.head] = observed
	if observed {
		b.hits++
	}
	b.head = (b.head + 1) % b.max
}

// Average returns the mean of the held observations, counting true as 1.0
// and false as 0.0. An empty buffer averages to 0.
func (b *EvidenceBuffer) Average() float64 {
	if len(b.obs) == 0 {
		return 0
	}
	return float64(b.hits) / float64(len(b.obs))
}

// Len returns the number of observations currently held.
func (b *EvidenceBuffer) Len() int {
	return len(b.obs)
}

// Cap returns the maximum number of observations.
func (b *EvidenceBuffer) Cap() int {
	return b.max
}

// Reset clears the buffer.
func (b *EvidenceBuffer) Reset() {
	b.obs = b.obs[:0]
	b.head = 0
	b.hits = 0
}
