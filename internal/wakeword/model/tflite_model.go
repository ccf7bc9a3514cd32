package model

import (
	"fmt"
	"sync"

	tflite "github.com/mattn/go-tflite"
)

// TFLiteModel runs a single fixed-shape TFLite graph. Calls are
// serialized by an internal mutex; the pipeline invokes each stage from
// a single goroutine.
type TFLiteModel struct {
	mu          sync.Mutex
	model       *tflite.Model
	interpreter *tflite.Interpreter
}

// LoadTFLite opens a .tflite file and allocates one interpreter for
// it. numThreads <= 0 uses the library default.
func LoadTFLite(path string, numThreads int) (*TFLiteModel, error) {
	m := tflite.NewModelFromFile(path)
	if m == nil {
		return nil, fmt.Errorf("wakeword/model: failed to load tflite model %q", path)
	}
	opts := tflite.NewInterpreterOptions()
	if numThreads > 0 {
		opts.SetNumThread(numThreads)
	}
	interp := tflite.NewInterpreter(m, opts)
	if interp == nil {
		m.Delete()
		opts.Delete()
		return nil, fmt.Errorf("wakeword/model: failed to create interpreter for %q", path)
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		m.Delete()
		opts.Delete()
		return nil, fmt.Errorf("wakeword/model: AllocateTensors failed for %q: %v", path, status)
	}
	return &TFLiteModel{model: m, interpreter: interp}, nil
}

// Invoke copies input into the interpreter's sole input tensor, runs
// the graph, and returns a copy of the sole output tensor.
func (t *TFLiteModel) Invoke(input []float32) ([]float32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in := t.interpreter.GetInputTensor(0)
	if in == nil {
		return nil, fmt.Errorf("wakeword/model: nil input tensor")
	}
	if err := in.CopyFromBuffer(input); err != nil {
		return nil, fmt.Errorf("wakeword/model: copy input: %w", err)
	}
	if status := t.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("wakeword/model: invoke failed: %v", status)
	}
	out := t.interpreter.GetOutputTensor(0)
	if out == nil {
		return nil, fmt.Errorf("wakeword/model: nil output tensor")
	}
	src := out.Float32s()
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst, nil
}

// Close releases the interpreter and model handles.
func (t *TFLiteModel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interpreter != nil {
		t.interpreter.Delete()
	}
	if t.model != nil {
		t.model.Delete()
	}
	return nil
}
