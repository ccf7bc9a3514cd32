// Package model wraps the three staged TFLite artifacts (mel
// filterbank, embedding, keyword classifier) behind a single narrow
// interface so the pipeline package never depends on the TFLite
// runtime directly.
package model

// Model runs one fixed-shape inference. Implementations own their
// input/output tensor buffers; Invoke copies input in, runs, and
// returns a copy of the output (safe to retain past the next call).
type Model interface {
	// Invoke normalizes nothing; input must already match the shape
	// documented for each stage.
	Invoke(input []float32) ([]float32, error)
	// Close releases the underlying interpreter.
	Close() error
}
