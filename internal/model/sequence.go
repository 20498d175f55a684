package model

import "sync/atomic"

// Sequence hands out strictly increasing exchange ids.
// It is created once per process and shared by every pipeline.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a Sequence whose first id is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, or the seed if none was issued.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
