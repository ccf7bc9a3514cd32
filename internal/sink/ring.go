package sink

import "sync/atomic"

// sampleRing is a lock-free single-producer single-consumer ring
// buffer of int16 samples. The audio thread is the sole writer; the
// hardware playback callback (a driver-owned thread) is the sole
// reader. Capacity is rounded up to a power of two so index masking
// replaces modulo.
type sampleRing struct {
	buf  []int16
	mask uint64
	head atomic.Uint64 // next write index
	tail atomic.Uint64 // next read index
}

func newSampleRing(minCapacity int) *sampleRing {
	cap := 1
	for cap < minCapacity {
		cap <<= 1
	}
	return &sampleRing{buf: make([]int16, cap), mask: uint64(cap - 1)}
}

// Len returns the number of unread samples. Safe to call from either
// side; may be momentarily stale under concurrent access, which is
// fine for the near-empty heuristic it's used for.
func (r *sampleRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

func (r *sampleRing) Cap() int { return len(r.buf) }

// Write appends samples, truncating silently if the ring is full.
// Called only from the audio thread.
func (r *sampleRing) Write(samples []int16) int {
	head := r.head.Load()
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (head - tail)
	n := uint64(len(samples))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(head+i)&r.mask] = samples[i]
	}
	r.head.Store(head + n)
	return int(n)
}

// Read drains up to len(out) samples into out, zero-filling any
// remainder with silence, and returns how many real samples were
// copied. Called only from the hardware callback.
func (r *sampleRing) Read(out []int16) int {
	tail := r.tail.Load()
	head := r.head.Load()
	avail := head - tail
	n := uint64(len(out))
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		out[i] = r.buf[(tail+i)&r.mask]
	}
	for i := n; i < uint64(len(out)); i++ {
		out[i] = 0
	}
	r.tail.Store(tail + n)
	return int(n)
}

// Clear drops all unread samples without copying them anywhere.
// Called from the audio thread during a stream switch or abort; the
// reader never observes a torn state because it only moves tail
// forward from its own reads, and Clear only ever advances tail to
// meet head.
func (r *sampleRing) Clear() {
	r.tail.Store(r.head.Load())
}
