package task

import "sync/atomic"

const (
	MinConcurrent     = 1
	MaxConcurrent     = 20
	DefaultConcurrent = 4
)

// Limit is the concurrency ceiling. It is read on every admission, so a
// change applies to the next StartTask without restarting anything.
type Limit struct {
	v atomic.Int32
}

func NewLimit(n int) *Limit {
	l := &Limit{}
	l.Set(n)
	return l
}

// Set stores n clamped to [MinConcurrent, MaxConcurrent] and returns the
// stored value.
func (l *Limit) Set(n int) int {
	n = Clamp(n)
	l.v.Store(int32(n))
	return n
}

func (l *Limit) Get() int {
	return int(l.v.Load())
}

func Clamp(n int) int {
	return min(max(n, MinConcurrent), MaxConcurrent)
}
