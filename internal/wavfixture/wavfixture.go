// Package wavfixture generates synthetic PCM fixtures for the
// end-to-end scenario tests: silence,
// tone-based wake-word stand-ins, and an in-memory WAV encoder built
// on go-audio/wav.
package wavfixture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// seekableBuffer adapts bytes.Buffer to io.WriteSeeker so the WAV
// encoder can patch its header in place without touching disk.
type seekableBuffer struct {
	buf []byte
	pos int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	copy(b.buf[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(b.pos) + offset
	case io.SeekEnd:
		newPos = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("seekableBuffer: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seekableBuffer: negative position")
	}
	b.pos = int(newPos)
	return newPos, nil
}

// SampleRate is the fixed rate every fixture is generated at; matches
// the gateway's internal processing rate so fixtures can be fed
// straight into capture without resampling.
const SampleRate = 16000

// Silence returns durationMS of all-zero s16le PCM samples.
func Silence(durationMS int) []int16 {
	n := SampleRate * durationMS / 1000
	return make([]int16, n)
}

// Tone returns a pure sine wave at freqHz for durationMS at the given
// peak amplitude, standing in for a wake-word acoustic envelope
// without needing a real recording checked into the repo.
func Tone(freqHz float64, durationMS int, amplitude int16) []int16 {
	n := SampleRate * durationMS / 1000
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(SampleRate)
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freqHz*t))
	}
	return out
}

// WakeWordPattern synthesizes a short multi-tone burst meant to stand
// in for a spoken wake word: three stacked tones in the speech
// formant range, amplitude-enveloped to avoid a hard onset click.
func WakeWordPattern(durationMS int) []int16 {
	n := SampleRate * durationMS / 1000
	out := make([]int16, n)
	freqs := []float64{220, 880, 1800}
	for i := 0; i < n; i++ {
		t := float64(i) / float64(SampleRate)
		envelope := math.Sin(math.Pi * float64(i) / float64(n)) // fades in/out
		var v float64
		for _, f := range freqs {
			v += math.Sin(2 * math.Pi * f * t)
		}
		out[i] = int16(envelope * (v / float64(len(freqs))) * 12000)
	}
	return out
}

// Concat joins PCM buffers back to back.
func Concat(parts ...[]int16) []int16 {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]int16, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PadTo pads pcm with trailing silence until it reaches totalMS.
func PadTo(pcm []int16, totalMS int) []int16 {
	want := SampleRate * totalMS / 1000
	if len(pcm) >= want {
		return pcm
	}
	return append(pcm, make([]int16, want-len(pcm))...)
}

// PCMBytes little-endian-encodes samples the same way the wire
// protocol's base64 PCM payloads expect.
func PCMBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// EncodeWAV writes samples as a mono 16-bit WAV file into a buffer,
// staying in memory since fixtures never need to touch disk.
func EncodeWAV(samples []int16) ([]byte, error) {
	var buf seekableBuffer
	enc := wav.NewEncoder(&buf, SampleRate, 16, 1, 1)
	intBuf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		intBuf.Data[i] = int(s)
	}
	if err := enc.Write(intBuf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return buf.buf, nil
}
