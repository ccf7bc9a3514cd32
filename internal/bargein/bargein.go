// Package bargein implements C9: a small bounded channel carrying a
// wake-event signal from the detection thread to the producer
// server's read loop, so playback can be interrupted without the
// detection thread ever blocking on the producer.
package bargein

// Signal carries nothing beyond "a wake event happened"; the producer
// reads its own current_stream_id at the instant it acts, so a signal
// is never stale-dangerous even if delivery is delayed.
type Signal struct{}

// Bus is a single-producer multi-consumer-by-convention channel; in
// practice the detection thread is the only sender and the producer
// server's read loop is the only receiver.
type Bus struct {
	ch chan Signal
}

// New constructs a Bus with the given capacity. The spec calls for a
// small capacity (default 4); a full bus simply drops further
// signals until the receiver catches up, since any queued signal
// already carries enough information to trigger a barge-in.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 4
	}
	return &Bus{ch: make(chan Signal, capacity)}
}

// Notify performs a non-blocking send. The detection thread must
// never wait on this call.
func (b *Bus) Notify() {
	select {
	case b.ch <- Signal{}:
	default:
	}
}

// Poll performs a non-blocking receive, returning false if no signal
// is pending. Called once per iteration of the producer's read loop.
func (b *Bus) Poll() bool {
	select {
	case <-b.ch:
		return true
	default:
		return false
	}
}
