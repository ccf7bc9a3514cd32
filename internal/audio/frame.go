// Package audio defines the fixed-size frame types shared by capture,
// the inference pipeline, and the playback sink.
package audio

import "math"

// FrameSamples is the number of mono samples in one 80ms frame at 16kHz.
const FrameSamples = 1280

// SampleRate is the pipeline's internal sample rate; capture resamples
// from the device rate to it and the sink resamples from it to the
// device rate when the hardware runs at a different native rate.
const SampleRate = 16000

// Frame is exactly FrameSamples of 16-bit signed PCM, mono, 16kHz.
// Every value leaving Capture satisfies len(Frame) == FrameSamples;
// there are no partial frames.
type Frame []int16

// ToFloat32 normalizes s16 samples to [-1, 1] for model input, per the
// stage-1 model's input contract. out is reused when it has capacity.
func (f Frame) ToFloat32(out []float32) []float32 {
	if cap(out) < len(f) {
		out = make([]float32, len(f))
	}
	out = out[:len(f)]
	for i, s := range f {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS returns the frame's root-mean-square amplitude, used by the
// voice-activity gate (C12).
func (f Frame) RMS() float64 {
	if len(f) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range f {
		v := float64(s)
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(f)))
}

// PCMBytes returns the frame's little-endian 16-bit PCM encoding, the
// form carried inside wire.Audio/wire.Play payloads.
func (f Frame) PCMBytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// FrameFromPCMBytes decodes little-endian 16-bit PCM into a Frame.
func FrameFromPCMBytes(b []byte) Frame {
	f := make(Frame, len(b)/2)
	for i := range f {
		lo := uint16(b[i*2])
		hi := uint16(b[i*2+1])
		f[i] = int16(lo | hi<<8)
	}
	return f
}
