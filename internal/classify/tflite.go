package classify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	tflite "github.com/tphakala/go-tflite"
	"gocv.io/x/gocv"
)

// TFLiteOptions configures the TensorFlow Lite backend
type TFLiteOptions struct {
	ModelPath string
	// Input side of the model; the piece-style model expects 96
	InputSize int
	Threads   int
	// Outputs below the threshold are occupied, above are empty
	Threshold float64
}

// DefaultTFLiteOptions returns options for the binary piece-style model
func DefaultTFLiteOptions(modelPath string) TFLiteOptions {
	return TFLiteOptions{
		ModelPath: modelPath,
		InputSize: 96,
		Threads:   1,
		Threshold: 0.5,
	}
}

// TFLite runs a binary occupancy model with a single sigmoid output. The
// interpreter is not reentrant, so calls are serialized.
type TFLite struct {
	opts        TFLiteOptions
	model       *tflite.Model
	interpreter *tflite.Interpreter
	mu          sync.Mutex
}

// NewTFLite loads the model and allocates tensors
func NewTFLite(opts TFLiteOptions) (*TFLite, error) {
	if opts.InputSize <= 0 {
		return nil, fmt.Errorf("invalid input size: %d", opts.InputSize)
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		return nil, fmt.Errorf("invalid threshold: %f (must be 0-1)", opts.Threshold)
	}

	data, err := os.ReadFile(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", opts.ModelPath)
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	options.SetNumThread(max(1, opts.Threads))

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		model.Delete()
		return nil, errors.New("cannot create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		model.Delete()
		return nil, errors.New("tensor allocation failed")
	}

	input := interpreter.GetInputTensor(0)
	want := opts.InputSize * opts.InputSize * 3
	if n := len(input.Float32s()); n != want {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("model input has %d values, expected %d", n, want)
	}

	return &TFLite{opts: opts, model: model, interpreter: interpreter}, nil
}

func (t *TFLite) Classify(ctx context.Context, cell gocv.Mat) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	input, err := mobileNetInput(cell, t.opts.InputSize)
	if err != nil {
		return "", 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.interpreter == nil {
		return "", 0, errors.New("interpreter closed")
	}

	copy(t.interpreter.GetInputTensor(0).Float32s(), input)
	if status := t.interpreter.Invoke(); status != tflite.OK {
		return "", 0, fmt.Errorf("tensor invoke failed: %v", status)
	}

	out := t.interpreter.GetOutputTensor(0).Float32s()
	if len(out) == 0 {
		return "", 0, errors.New("empty model output")
	}

	label, score := interpretBinary(float64(out[0]), t.opts.Threshold)
	return label, score, nil
}

// interpretBinary maps the sigmoid output of the piece-style model. Values
// below the threshold mean the cell holds a piece.
func interpretBinary(pred, threshold float64) (string, float64) {
	if pred < threshold {
		return "accepted", 1 - pred
	}
	return "rejected", pred
}

// mobileNetInput converts a BGR cell to RGB, resizes it and scales pixels
// to [-1, 1]
func mobileNetInput(cell gocv.Mat, size int) ([]float32, error) {
	if cell.Empty() {
		return nil, errors.New("empty cell")
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	switch cell.Channels() {
	case 1:
		gocv.CvtColor(cell, &rgb, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(cell, &rgb, gocv.ColorBGRAToRGB)
	default:
		gocv.CvtColor(cell, &rgb, gocv.ColorBGRToRGB)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(rgb, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)

	data := resized.ToBytes()
	if len(data) != size*size*3 {
		return nil, fmt.Errorf("unexpected cell layout: %d bytes", len(data))
	}

	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(b)/127.5 - 1
	}
	return out, nil
}

// Close releases the interpreter and model
func (t *TFLite) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.interpreter != nil {
		t.interpreter.Delete()
		t.interpreter = nil
	}
	if t.model != nil {
		t.model.Delete()
		t.model = nil
	}
	return nil
}
