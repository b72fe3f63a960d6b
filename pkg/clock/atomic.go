package clock

import "sync/atomic"

// AtomicClock is a monotonically increasing counter used to issue transaction ids.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Store(init)
	return &ac
}

// Val returns the last issued value.
func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

// Next issues a new value strictly greater than every previous one.
func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}
