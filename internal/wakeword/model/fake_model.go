package model

// FakeModel is a deterministic stand-in for a loaded TFLite graph,
// used by pipeline tests that need to drive known outputs without a
// real model file on disk.
type FakeModel struct {
	// OutputFor maps an input checksum (see checksum) to a canned
	// output. If absent, Fn is consulted; if Fn is nil, a zeroed
	// OutputSize-length slice is returned.
	OutputFor  map[float32][]float32
	Fn         func(input []float32) []float32
	OutputSize int
	Invocations int
}

func checksum(input []float32) float32 {
	var sum float32
	for _, v := range input {
		sum += v
	}
	return sum
}

func (f *FakeModel) Invoke(input []float32) ([]float32, error) {
	f.Invocations++
	if f.OutputFor != nil {
		if out, ok := f.OutputFor[checksum(input)]; ok {
			return out, nil
		}
	}
	if f.Fn != nil {
		return f.Fn(input), nil
	}
	return make([]float32, f.OutputSize), nil
}

func (f *FakeModel) Close() error { return nil }
