package pipeline

// Sequencer releases values in sequence order. Values arriving early are
// held until every lower sequence number has been resolved. Sequence
// numbers start at 1. It is not safe for concurrent use.
type Sequencer[T any] struct {
	next    uint64
	pending map[uint64]T
}

// NewSequencer returns a sequencer expecting sequence number 1 first.
func NewSequencer[T any]() *Sequencer[T] {
	return &Sequencer[T]{
		next:    1,
		pending: make(map[uint64]T),
	}
}

// Push resolves seq with v and returns every value that is now ready, in
// order. Sequence numbers already released are ignored.
func (s *Sequencer[T]) Push(seq uint64, v T) []T {
	if seq < s.next {
		return nil
	}
	s.pending[seq] = v

	var ready []T
	for {
		r, ok := s.pending[s.next]
		if !ok {
			return ready
		}
		delete(s.pending, s.next)
		ready = append(ready, r)
		s.next++
	}
}

// Next returns the lowest unresolved sequence number.
func (s *Sequencer[T]) Next() uint64 {
	return s.next
}

// Pending returns how many values are held back.
func (s *Sequencer[T]) Pending() int {
	return len(s.pending)
}

// Flush discards and returns the values still held back.
func (s *Sequencer[T]) Flush() []T {
	held := make([]T, 0, len(s.pending))
	for seq, v := range s.pending {
		held = append(held, v)
		delete(s.pending, seq)
	}
	return held
}
