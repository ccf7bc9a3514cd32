package sink

import "context"

// Backend abstracts the hardware playback device, mirroring the
// capture package's split between the abstract interface and its
// malgo-backed implementation.
type Backend interface {
	// Open starts the device at sampleRate/channels. onNeedSamples is
	// called from the driver's own callback thread whenever the
	// device needs more audio; it must fill out completely (zero-pad
	// for silence) and never block.
	Open(ctx context.Context, sampleRate, channels int, onNeedSamples func(out []int16)) error
	Close() error
}
