// Package token implements the 32-bit correlation-token factory described in
// spec.md §4.D: a monotone counter used to correlate requests (searches,
// transfers, connection solicitations) with their asynchronous replies.
package token

import "sync/atomic"

// Max is the wrap point: the next token after Max is 0 (spec.md §4.D
// "wrapping at 2^31-1 back to 0").
const Max = 1<<31 - 1

// Factory issues tokens atomically. The zero value is usable, but its first
// Next() returns 1; use NewFactory to make the first token a specific seed
// (including 0).
type Factory struct {
	next uint32
}

// NewFactory returns a Factory whose first Next() call returns seed.
func NewFactory(seed uint32) *Factory {
	f := &Factory{}
	// atomic.AddUint32 pre-increments, so store seed-1 to make the first
	// Next() land exactly on seed.
	if seed == 0 {
		f.next = Max
	} else {
		f.next = seed - 1
	}
	return f
}

// Next returns the next token, atomically, wrapping from Max back to 0.
func (f *Factory) Next() uint32 {
	for {
		cur := atomic.LoadUint32(&f.next)
		next := cur + 1
		if cur == Max {
			next = 0
		}
		if atomic.CompareAndSwapUint32(&f.next, cur, next) {
			return next
		}
	}
}

// NextAvailable returns the next token for which taken returns false,
// retrying up to maxAttempts times before giving up (spec.md §4.D "optional
// collision-check variant"). taken is called with the registry's own
// locking, not the factory's, so it may block.
func (f *Factory) NextAvailable(maxAttempts int, taken func(uint32) bool) (uint32, bool) {
	for i := 0; i < maxAttempts; i++ {
		t := f.Next()
		if !taken(t) {
			return t, true
		}
	}
	return 0, false
}
