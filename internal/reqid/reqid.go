// Package reqid hands out a process-wide monotonically increasing
// transaction id, starting at 0.
package reqid

import "go.uber.org/atomic"

// Source is a monotonic id generator. The zero value is ready to use.
type Source struct {
	next atomic.Uint64
}

// New creates a Source whose first Next() call returns 0.
func New() *Source {
	return &Source{}
}

// Next returns the next id in sequence. Safe for concurrent use.
func (s *Source) Next() uint64 {
	return s.next.Inc() - 1
}
