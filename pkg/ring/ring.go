// Package ring provides a fixed-capacity, lock-free single-producer
// single-consumer byte ring for the RT -> control event channel.
package ring

import (
	"sync/atomic"

	"github.com/c360/capturekit/errors"
)

// Ring is a single-producer single-consumer ring of fixed-size byte slots.
//
// The producer side (the RT callback) reserves a slot, encodes directly into
// it, and commits - no allocation, no locks, no blocking. When the ring is
// full, Reserve returns nil and the producer decides what to drop. The
// consumer side (a control-plane goroutine) polls committed slots.
//
// Exactly one goroutine may produce and exactly one may consume. The
// happens-before edges come from the atomic head/tail stores: the producer
// publishes slot contents before advancing head, the consumer finishes
// reading before advancing tail.
type Ring struct {
	slots    [][]byte
	lens     []int
	mask     uint64
	capacity uint64

	head atomic.Uint64 // next write position (producer-owned)
	tail atomic.Uint64 // next read position (consumer-owned)

	// Statistics, atomics so either side may read them.
	offered  atomic.Uint64
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// Stats is a point-in-time snapshot of ring counters.
type Stats struct {
	Offered  uint64
	Accepted uint64
	Dropped  uint64
	Occupied int
	Capacity int
}

// New creates a ring with at least capacity slots of slotSize bytes each.
// Capacity is rounded up to a power of two. All slot memory is allocated
// up front; the producer path never allocates.
func New(capacity, slotSize int) (*Ring, error) {
	if capacity <= 0 || slotSize <= 0 {
		return nil, errors.WrapInvalid(errors.New("capacity and slot size must be positive"), "Ring", "New", "validation")
	}

	c := uint64(1)
	for c < uint64(capacity) {
		c <<= 1
	}

	r := &Ring{
		slots:    make([][]byte, c),
		lens:     make([]int, c),
		mask:     c - 1,
		capacity: c,
	}
	backing := make([]byte, int(c)*slotSize)
	for i := range r.slots {
		r.slots[i] = backing[i*slotSize : (i+1)*slotSize : (i+1)*slotSize]
	}
	return r, nil
}

// Reserve returns the scratch buffer for the next slot, or nil when the ring
// is full. The producer encodes into the returned slice and must call Commit
// before the next Reserve. Producer side only.
func (r *Ring) Reserve() []byte {
	r.offered.Add(1)
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= r.capacity {
		r.dropped.Add(1)
		return nil
	}
	return r.slots[head&r.mask]
}

// Commit publishes the previously reserved slot with n encoded bytes.
// Producer side only.
func (r *Ring) Commit(n int) {
	head := r.head.Load()
	slot := head & r.mask
	if n > len(r.slots[slot]) {
		n = len(r.slots[slot])
	}
	r.lens[slot] = n
	r.accepted.Add(1)
	r.head.Store(head + 1)
}

// Offer copies b into the next slot if space is available. Returns false when
// the ring is full or b exceeds the slot size. Producer side only.
func (r *Ring) Offer(b []byte) bool {
	buf := r.Reserve()
	if buf == nil {
		return false
	}
	if len(b) > len(buf) {
		r.dropped.Add(1)
		return false
	}
	copy(buf, b)
	r.Commit(len(b))
	return true
}

// Poll returns a copy of the oldest committed slot, or nil when the ring is
// empty. Consumer side only; copying here keeps slot reuse invisible to the
// caller (the control plane may allocate freely).
func (r *Ring) Poll() []byte {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return nil
	}
	slot := tail & r.mask
	out := make([]byte, r.lens[slot])
	copy(out, r.slots[slot])
	r.tail.Store(tail + 1)
	return out
}

// PollInto copies the oldest committed slot into dst and returns the frame
// length, without allocating. Returns (0, false) when the ring is empty. A
// dst shorter than the frame leaves the ring untouched and reports the
// required length with ok false. Consumer side only.
func (r *Ring) PollInto(dst []byte) (int, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return 0, false
	}
	slot := tail & r.mask
	n := r.lens[slot]
	if n > len(dst) {
		return n, false
	}
	copy(dst, r.slots[slot][:n])
	r.tail.Store(tail + 1)
	return n, true
}

// Len returns the number of committed, unconsumed slots.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Capacity returns the (rounded-up) slot count.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}

// SlotSize returns the per-slot scratch size in bytes.
func (r *Ring) SlotSize() int {
	return len(r.slots[0])
}

// Stats returns a snapshot of ring counters.
func (r *Ring) Stats() Stats {
	return Stats{
		Offered:  r.offered.Load(),
		Accepted: r.accepted.Load(),
		Dropped:  r.dropped.Load(),
		Occupied: r.Len(),
		Capacity: int(r.capacity),
	}
}
