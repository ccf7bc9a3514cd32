package capture

import "context"

// Backend abstracts the audio capture hardware so the framing and
// channel-selection logic in Capture can be tested without a real
// device. Mirrors the capture/playback split the puck firmware uses
// to keep its audio engine hardware-independent.
type Backend interface {
	// Open starts capture at sampleRate with the given channel count,
	// invoking onSamples with each interleaved block the driver
	// delivers (raw int16, channels interleaved). onSamples must not
	// block; it is called from the driver's callback context.
	Open(ctx context.Context, sampleRate, channels int, onSamples func([]int16)) error
	// Close stops capture and releases the device.
	Close() error
}
